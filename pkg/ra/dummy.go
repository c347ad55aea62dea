package ra

import (
	"sync"
	"sync/atomic"
	"time"
)

// DummyDriverID is the identifier under which RegisterDummy installs the
// dummy prover/verifier, matching the "Dummy" RA suite name conventionally
// used for loopback and example connections that skip real attestation.
const DummyDriverID = "Dummy"

// DummyConfig configures the dummy driver's simulated attestation delay.
// A zero Delay completes on the next scheduler tick.
type DummyConfig struct {
	Delay time.Duration
}

// RegisterDummy installs the dummy prover and verifier factories into reg
// under DummyDriverID. The dummy driver performs no real attestation: it
// exchanges one placeholder message and then reports success, letting
// tests and example binaries exercise the FSM's RA bookkeeping without a
// real TPM or SGX backend.
func RegisterDummy(reg *Registry) {
	reg.RegisterProver(DummyDriverID, newDummyProver, DummyConfig{})
	reg.RegisterVerifier(DummyDriverID, newDummyVerifier, DummyConfig{})
}

type dummyDriver struct {
	mu      sync.Mutex
	stopped atomic.Bool
	delay   time.Duration

	onMessage func([]byte)
	onResult  func(ok bool, cause string)
}

func newDummyProver(config any, listener ProverListener) (Driver, error) {
	cfg, _ := config.(DummyConfig)
	return &dummyDriver{
		delay:     cfg.Delay,
		onMessage: listener.OnProverMessage,
		onResult:  listener.OnProverResult,
	}, nil
}

func newDummyVerifier(config any, listener VerifierListener) (Driver, error) {
	cfg, _ := config.(DummyConfig)
	return &dummyDriver{
		delay:     cfg.Delay,
		onMessage: listener.OnVerifierMessage,
		onResult:  listener.OnVerifierResult,
	}, nil
}

func (d *dummyDriver) Start() error {
	go func() {
		if d.delay > 0 {
			time.Sleep(d.delay)
		}
		if d.stopped.Load() {
			return
		}
		d.onMessage([]byte("dummy-attestation-claim"))
		if d.stopped.Load() {
			return
		}
		d.onResult(true, "")
	}()
	return nil
}

// Delegate discards the peer's dummy payload; the dummy driver does not
// inspect what it receives.
func (d *dummyDriver) Delegate(data []byte) {}

func (d *dummyDriver) Stop() {
	d.stopped.Store(true)
}
