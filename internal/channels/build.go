package channels

import (
	"go.uber.org/zap"

	"hazard-orchestrator/internal/config"
	"hazard-orchestrator/internal/models"
)

// FromConfig registers a sender for every channel. Channels without a
// configured provider, or all channels in dry-run mode, get a Log sender.
func FromConfig(c *config.Config, logger *zap.Logger) (*Registry, error) {
	r := NewRegistry()
	dry := c.Dispatch.DryRun

	if !dry && c.SMTP.Host != "" && c.SMTP.From != "" {
		d := NewSMTPDialer(c.SMTP.Host, c.SMTP.Port, c.SMTP.Username, c.SMTP.Password, c.SMTP.NoVerify)
		r.Register(models.ChannelEmail, NewEmail(d, c.SMTP.From))
	} else {
		r.Register(models.ChannelEmail, NewLog(models.ChannelEmail, logger))
	}

	if !dry && c.SMS.URL != "" {
		r.Register(models.ChannelSMS, NewGateway(c.SMS.URL, c.SMS.Token, c.SMS.Timeout, c.SMS.MaxChars))
	} else {
		r.Register(models.ChannelSMS, NewLog(models.ChannelSMS, logger))
	}

	if !dry && c.Voice.URL != "" {
		r.Register(models.ChannelVoice, NewGateway(c.Voice.URL, c.Voice.Token, c.Voice.Timeout, c.Voice.MaxChars))
	} else {
		r.Register(models.ChannelVoice, NewLog(models.ChannelVoice, logger))
	}

	if !dry && c.Meshtastic.Broker != "" {
		pub, err := DialMQTT(c.Meshtastic.Broker, c.Meshtastic.ClientID, c.Meshtastic.Username, c.Meshtastic.Password)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.closers = append(r.closers, pub)
		r.Register(models.ChannelMeshtastic, NewMeshtastic(pub, c.Meshtastic.Topic, c.Meshtastic.MaxChars, c.Meshtastic.ShorthandMap))
	} else {
		r.Register(models.ChannelMeshtastic, NewLog(models.ChannelMeshtastic, logger))
	}

	if !dry && len(c.Radio.Brokers) > 0 {
		r.Register(models.ChannelRadio, NewRadio(NewKafkaWriter(c.Radio.Brokers, c.Radio.Topic)))
	} else {
		r.Register(models.ChannelRadio, NewLog(models.ChannelRadio, logger))
	}

	logger.Info("channels configured", zap.Strings("channels", r.Channels()), zap.Bool("dry_run", dry))
	return r, nil
}
