//go:build windows

package recon

import (
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/netmapper/pkg/models"
)

// MDNSProducer is unavailable on Windows where multicast DNS is not
// reliably supported. Every run ends with an error event.
type MDNSProducer struct {
	runner
}

// NewMDNSProducer returns a producer whose runs fail immediately.
func NewMDNSProducer(_ *zap.Logger) *MDNSProducer {
	return &MDNSProducer{runner: runner{now: time.Now}}
}

// Start emits scanStarted followed by an error event.
func (p *MDNSProducer) Start(sink Sink) (Handle, error) {
	r, err := p.begin(sink)
	if err != nil {
		return nil, err
	}
	r.finish(models.NewError("mDNS discovery is not supported on windows", p.now()))
	return r, nil
}
