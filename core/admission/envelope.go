package admission

const (
	MsgAcquire = "admission.acquire"
	MsgRelease = "admission.release"
	MsgRenew   = "admission.renew"
)

type Envelope struct {
	Bucket  uint32 `json:"bucket"`
	Type    string `json:"type"`
	Data    []byte `json:"data"`
	ReplyTo string `json:"reply_to,omitempty"`
}

type (
	// AcquireRequest asks the server for one handshake slot.
	AcquireRequest struct {
		Holder string `json:"holder"`
		Shard  uint32 `json:"shard"`
		// WaitMs bounds how long the server queues the request. Zero means
		// until the server stops.
		WaitMs int64 `json:"wait_ms,omitempty"`
	}

	// AcquireResponse carries the lease. The holder renews it within TTLMs
	// until released.
	AcquireResponse struct {
		LeaseID string `json:"lease_id"`
		TTLMs   int64  `json:"ttl_ms"`
	}

	ReleaseRequest struct {
		LeaseID string `json:"lease_id"`
	}

	ReleaseResponse struct {
		Released bool `json:"released"`
	}

	RenewRequest struct {
		LeaseID string `json:"lease_id"`
	}

	// RenewResponse reports false once the lease was released or reclaimed.
	RenewResponse struct {
		Renewed bool `json:"renewed"`
	}
)

// responseFrame is the reply encoding shared by every transport.
type responseFrame struct {
	Data []byte `json:"data,omitempty"`
	Err  string `json:"err,omitempty"`
}
