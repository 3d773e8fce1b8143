// Package config loads, defaults and validates the agent's YAML
// configuration, including the device inventory that drives collection.
//
// Precedence is YAML file first, then METERSYNC_SECTION_KEY environment
// variables on top. Secrets (upload token, broker password, InfluxDB
// token) belong in the environment, not the file; keep the file at
// 0600 regardless, since broker hosts and DSNs leak topology.
//
// Everything is resolved once in Load. The rest of the agent reads
// plain struct fields and never touches the environment again.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Agent.ID)
package config
