// Package config holds the runtime properties of the provisioning backend.
//
// Properties are resolved in three layers: compiled-in defaults, an optional
// YAML file (strictly decoded, durations as Go duration strings) and finally
// command line flags or their environment variables, applied by cmd/vlessd.
//
// Example file:
//
//	engine_path: /usr/local/bin/xray
//	config_path: /etc/xray/config.json
//	listen_port: 443
//	server_address: vpn.example.com
//	api_server: 127.0.0.1:10085
//	reality:
//	  enabled: true
//	  dest: www.microsoft.com:443
//	  server_names: [www.microsoft.com]
//	  short_ids: [""]
//	admission:
//	  horizon: 5m
//	registry:
//	  type: redis
//	  redis_addr: 127.0.0.1:6379
package config
