package config

// -----------------------------------------------------------------------------
// Embedded configuration
//
// Populate embeddedConfigs at build time (e.g. via code generation) or
// manually during development.
// Key: device ID (same value placed in ctx under CtxDeviceKey)
// Val: raw JSON bytes, decoded into a types.GatewayConfig
// -----------------------------------------------------------------------------

const cfgGateway = `{
  "vxi11_port": 9010,
  "portmap_port": 111,
  "max_links": 4,
  "max_write_request_data_size": 4096,
  "max_read_response_data_size": 4096,
  "io_timeout_cap_millis": 10000,
  "device_identification": "Ethernet2GPIB Gateway v1.2 (AR488 v0.53.03)\n",
  "log_vxi_details": false
}`

var embeddedConfigs = map[string][]byte{
	"gateway": []byte(cfgGateway),
}
