package processor

import (
	"github.com/prometheus/client_golang/prometheus"
)

type throttleMetrics struct {
	enqueued      prometheus.Counter
	enqueueFailed prometheus.Counter
	processed     prometheus.Counter
	sent          prometheus.Counter
	sendFailed    prometheus.Counter
}

func (tm *throttleMetrics) register(reg prometheus.Registerer, channel string) error {
	if reg == nil {
		return nil
	}
	counter := func(name, help string) (prometheus.Counter, error) {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "edgemod",
			Subsystem:   "throttle",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"channel": channel},
		})
		if err := reg.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector.(prometheus.Counter), nil
			}
			return nil, err
		}
		return c, nil
	}
	var err error
	if tm.enqueued, err = counter("enqueued_total", "Telemetry items offered to queue."); err != nil {
		return err
	}
	if tm.enqueueFailed, err = counter("enqueue_failed_total", "Telemetry items lost on full queue."); err != nil {
		return err
	}
	if tm.processed, err = counter("processed_total", "Telemetry items taken by batching loop."); err != nil {
		return err
	}
	if tm.sent, err = counter("sent_total", "Batches flushed to transport."); err != nil {
		return err
	}
	if tm.sendFailed, err = counter("send_failed_total", "Batches failed to publish."); err != nil {
		return err
	}
	return nil
}

func (tm *throttleMetrics) inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}
