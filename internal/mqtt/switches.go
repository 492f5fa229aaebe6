package mqtt

import (
	"context"
	"strings"

	"github.com/nugget/firewalla-bridge/internal/config"
	"github.com/nugget/firewalla-bridge/internal/events"
)

const (
	payloadOn  = "ON"
	payloadOff = "OFF"
)

var switchIcons = map[string]string{
	config.FeatureRules:   "mdi:format-list-checks",
	config.FeatureAlarms:  "mdi:shield-alert",
	config.FeatureFlows:   "mdi:swap-horizontal",
	config.FeatureTraffic: "mdi:chart-line",
}

func (p *Publisher) switchStateTopic(feature string) string {
	return p.baseTopic() + "/feature/" + feature + "/state"
}

func (p *Publisher) switchCommandTopic(feature string) string {
	return p.baseTopic() + "/feature/" + feature + "/set"
}

// commandFilter matches every switch command topic.
func (p *Publisher) commandFilter() string {
	return p.baseTopic() + "/feature/+/set"
}

// featureFromTopic extracts the feature name from a command topic.
func (p *Publisher) featureFromTopic(topic string) (string, bool) {
	prefix := p.baseTopic() + "/feature/"
	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, "/set") {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), "/set")
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

func (p *Publisher) switchConfig(feature string) EntityConfig {
	cfg := p.bridgeEntity("feature_"+feature, "Fetch "+strings.ToUpper(feature[:1])+feature[1:])
	cfg.StateTopic = p.switchStateTopic(feature)
	cfg.CommandTopic = p.switchCommandTopic(feature)
	cfg.PayloadOn = payloadOn
	cfg.PayloadOff = payloadOff
	cfg.EntityCategory = "config"
	cfg.Icon = switchIcons[feature]
	return cfg
}

// publishSwitchStates reports the resolved value of every feature.
// Callers hold p.mu.
func (p *Publisher) publishSwitchStates(ctx context.Context) {
	for _, name := range config.FeatureNames {
		p.publishSwitchState(ctx, name)
	}
}

func (p *Publisher) publishSwitchState(ctx context.Context, feature string) {
	state := payloadOff
	if p.deps.Flags.Enabled(feature) {
		state = payloadOn
	}
	p.publishRetained(ctx, p.switchStateTopic(feature), []byte(state))
}

func parseSwitchPayload(b []byte) (enabled, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case payloadOn:
		return true, true
	case payloadOff:
		return false, true
	}
	return false, false
}

// handleCommand applies one switch command: persist the override,
// echo the new state, and ask for a refresh so the change takes effect
// on the next snapshot.
func (p *Publisher) handleCommand(ctx context.Context, c command) {
	if !config.IsFeature(c.feature) {
		p.logger.Warn("mqtt command for unknown feature", "feature", c.feature)
		return
	}
	enabled, ok := parseSwitchPayload(c.payload)
	if !ok {
		p.logger.Warn("mqtt command payload not understood",
			"feature", c.feature, "payload", string(c.payload))
		return
	}
	if p.deps.Overrides == nil {
		p.logger.Warn("mqtt feature command ignored, no override store", "feature", c.feature)
		return
	}
	if err := p.deps.Overrides.Set(ctx, c.feature, enabled); err != nil {
		p.logger.Error("persist feature override failed", "feature", c.feature, "error", err)
		return
	}
	p.logger.Info("feature toggled from home assistant", "feature", c.feature, "enabled", enabled)

	p.mu.Lock()
	p.publishSwitchState(ctx, c.feature)
	p.mu.Unlock()

	p.deps.Bus.Emit(events.SourceMQTT, events.KindFeatureChanged, map[string]any{
		"feature": c.feature,
		"enabled": enabled,
		"origin":  "mqtt",
	})
	p.deps.Source.RequestRefresh()
}
