package types

import "encoding/json"

// Remote operation names.
const (
	OpRegister    = "/worker/register"
	OpInit        = "/init"
	OpInitStorage = "/init-storage"
	OpExec        = "/exec"
)

// RegisterRequest is sent by a worker to the master to join the cluster.
type RegisterRequest struct {
	Endpoint string `json:"endpoint"`
	Secret   string `json:"secret"`
}

// RegisterResponse acknowledges a completed handshake.
type RegisterResponse struct {
	WorkerID string `json:"workerId"`
}

// InitRequest is sent by the master over the session it wants bound.
type InitRequest struct {
	Secret string `json:"secret"`
	ID     string `json:"id"`
}

// InitStorageRequest ships a serialized storage factory to a worker.
type InitStorageRequest struct {
	Name    string          `json:"name"`
	Factory json.RawMessage `json:"factory"`
}
