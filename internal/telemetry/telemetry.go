package telemetry

import (
	"github.com/carlosprados/wingman/internal/config"
	"github.com/carlosprados/wingman/internal/host"
	"github.com/rs/zerolog/log"
)

// Sinks builds the configured sinks. A bus that cannot be reached is logged
// and skipped. The returned func closes the bus connections.
func Sinks(c config.TelemetryConfig, deviceID, userAgent, clientInfo string) (host.EventSinks, func()) {
	var (
		sinks   host.EventSinks
		closers []func()
	)
	if ws := NewWSSink(WSOptions{
		Host:        c.WSHost,
		Path:        c.Path,
		MessageType: c.MessageType,
		DeviceID:    deviceID,
		UserAgent:   userAgent,
		ClientInfo:  clientInfo,
	}); ws != nil {
		sinks = append(sinks, ws)
	}
	if c.NATSURL != "" {
		ns, err := NewNATSSink(c.NATSURL, c.NATSSubject, deviceID)
		if err != nil {
			log.Warn().Err(err).Msg("nats telemetry disabled")
		} else {
			sinks = append(sinks, ns)
			closers = append(closers, ns.Close)
		}
	}
	if c.MQTTBroker != "" {
		ms, err := NewMQTTSink(c.MQTTBroker, c.MQTTTopic, deviceID)
		if err != nil {
			log.Warn().Err(err).Msg("mqtt telemetry disabled")
		} else {
			sinks = append(sinks, ms)
			closers = append(closers, ms.Close)
		}
	}
	log.Info().Int("sinks", len(sinks)).Msg("telemetry configured")
	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}
}
