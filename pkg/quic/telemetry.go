package quic

// Telemetry is the counters interface the core reports through (spec.md
// Section 9: "the core takes no globals; callers pass in a small Telemetry
// trait/interface"). The teacher's drafts reach for process-wide singletons
// for metrics (noted across shockwave's http3 package); this interface
// exists precisely so nothing in pkg/quic holds a package-level variable.
// A caller that doesn't care can pass NopTelemetry{}.
type Telemetry interface {
	PacketReceived(level EncryptionLevel)
	PacketSent(level EncryptionLevel)
	AeadOpenFailed(level EncryptionLevel)
	HandshakeCompleted()
}

// NopTelemetry discards every event.
type NopTelemetry struct{}

func (NopTelemetry) PacketReceived(EncryptionLevel) {}
func (NopTelemetry) PacketSent(EncryptionLevel)     {}
func (NopTelemetry) AeadOpenFailed(EncryptionLevel) {}
func (NopTelemetry) HandshakeCompleted()            {}
