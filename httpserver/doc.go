/*
Package httpserver implements the operational HTTP API of the provisioning
backend. It is meant for operators and orchestration, not for tunnel
clients.

API Endpoints:

  - GET /livez - Liveness check
  - GET /readyz - Ready while the engine runs and the server is not draining
  - GET /drain - Mark the server as not ready
  - GET /undrain - Mark the server as ready
  - GET /engine/status - Engine and admission status
  - POST /engine/reload - Regenerate the engine config and restart the engine
  - POST /pending/{id}/recheck - Run the admission check of a pending credential now
  - POST /clients/{id}/activate - Re-enable a persisted client in the engine
  - POST /clients/{id}/deactivate - Disable a persisted client, keeping its record

Prometheus metrics are served by a separate listener (see package metrics).
*/
package httpserver
