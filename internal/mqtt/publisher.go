package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/firewalla-bridge/internal/config"
	"github.com/nugget/firewalla-bridge/internal/coordinator"
	"github.com/nugget/firewalla-bridge/internal/entities"
	"github.com/nugget/firewalla-bridge/internal/events"
)

// DataSource is the part of the coordinator the publisher reads.
type DataSource interface {
	Data() (coordinator.Snapshot, bool)
	Status() coordinator.Status
	RequestRefresh()
}

// FeatureWriter persists feature overrides set from Home Assistant.
type FeatureWriter interface {
	Set(ctx context.Context, name string, enabled bool) error
}

// messagePublisher is satisfied by *autopaho.ConnectionManager.
type messagePublisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Deps are the collaborators a Publisher needs.
type Deps struct {
	Source    DataSource
	Flags     coordinator.FlagResolver
	Overrides FeatureWriter
	Bus       *events.Bus
	Logger    *slog.Logger
}

// announcement records where an entity's discovery config lives and
// which feature, if any, produced it.
type announcement struct {
	topic   string
	feature string
}

// command is an inbound switch command queued for the publish loop.
type command struct {
	feature string
	payload []byte
}

// Publisher owns the broker connection and everything published to it.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bridge     DeviceInfo
	deps       Deps
	logger     *slog.Logger
	limiter    *messageRateLimiter
	commands   chan command

	mu        sync.Mutex
	client    messagePublisher
	cm        *autopaho.ConnectionManager
	announced map[string]announcement // unique id → discovery
}

// New creates a Publisher. Nothing is connected until Start.
func New(cfg config.MQTTConfig, instanceID string, deps Deps) *Publisher {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Flags == nil {
		deps.Flags = coordinator.StaticFlags(nil)
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bridge:     NewBridgeDevice(instanceID, cfg.DeviceName),
		deps:       deps,
		logger:     deps.Logger,
		limiter:    newMessageRateLimiter(commandRateLimit, time.Minute, deps.Logger),
		commands:   make(chan command, 16),
		announced:  make(map[string]announcement),
	}
}

// Start connects to the broker and processes switch commands until ctx
// is cancelled. It blocks.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.bridgeAvailabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.connected(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "firewalla-bridge-" + slug(p.cfg.DeviceName),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					return p.route(pr.Packet.Topic, pr.Packet.Payload), nil
				},
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.limiter.start(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-p.commands:
			p.handleCommand(ctx, c)
		}
	}
}

// Stop publishes "offline" on the bridge topic and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	if cm != nil {
		p.publishRetained(ctx, p.bridgeAvailabilityTopic(), []byte("offline"))
	}
	p.client = nil
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used as the connwatch probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// connected runs on every (re-)connect.
func (p *Publisher) connected(ctx context.Context, cm *autopaho.ConnectionManager) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: p.commandFilter(), QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "filter", p.commandFilter(), "error", err)
	}

	p.mu.Lock()
	p.client = cm
	clear(p.announced)
	p.mu.Unlock()

	p.Announce(ctx)
}

// Announce publishes the bridge device and, when data exists, replays
// every Firewalla entity.
func (p *Publisher) Announce(ctx context.Context) {
	p.mu.Lock()
	if p.client == nil {
		p.mu.Unlock()
		return
	}
	p.publishBridgeDiscovery(ctx)
	p.publishRetained(ctx, p.bridgeAvailabilityTopic(), []byte("online"))
	p.publishSwitchStates(ctx)
	p.publishBridgeStates(ctx)
	p.mu.Unlock()

	if snap, ok := p.deps.Source.Data(); ok {
		p.Sync(ctx, snap)
	} else {
		p.mu.Lock()
		p.publishRetained(ctx, p.dataAvailabilityTopic(), []byte("offline"))
		p.mu.Unlock()
	}
}

// Sync brings Home Assistant in line with snap. It is registered as a
// coordinator update listener.
func (p *Publisher) Sync(ctx context.Context, snap coordinator.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return
	}

	ents := entities.Build(snap, p.deps.Flags)
	current := make(map[string]bool, len(ents))
	added := 0
	for _, e := range ents {
		current[e.UniqueID] = true
		if _, ok := p.announced[e.UniqueID]; !ok {
			if p.announceEntity(ctx, e) {
				added++
			}
		}
		p.publishEntityState(ctx, e, e.Value(snap))
	}

	for uid, a := range p.announced {
		if current[uid] || a.feature == "" || p.deps.Flags.Enabled(a.feature) {
			continue
		}
		p.publishRetained(ctx, a.topic, nil)
		delete(p.announced, uid)
		p.logger.Debug("mqtt entity withdrawn", "unique_id", uid, "feature", a.feature)
	}

	p.publishSwitchStates(ctx)
	p.publishBridgeStates(ctx)
	p.publishRetained(ctx, p.dataAvailabilityTopic(), []byte("online"))

	if added > 0 {
		p.logger.Info("mqtt discovery published", "entities", added)
		p.deps.Bus.Emit(events.SourceMQTT, events.KindDiscoveryPublished, map[string]any{"count": added})
	}
}

// --- Topics ---

func (p *Publisher) nodeID() string { return slug(p.cfg.DeviceName) }

func (p *Publisher) baseTopic() string {
	return p.cfg.BaseTopic + "/" + p.nodeID()
}

func (p *Publisher) bridgeAvailabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) dataAvailabilityTopic() string {
	return p.baseTopic() + "/data/availability"
}

func (p *Publisher) entityTopic(objectID, leaf string) string {
	return p.baseTopic() + "/entity/" + objectID + "/" + leaf
}

func (p *Publisher) discoveryTopic(component, objectID string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.nodeID() + "/" + objectID + "/config"
}

// --- Firewalla entities ---

func (p *Publisher) entityConfig(e entities.Entity) EntityConfig {
	oid := slug(e.UniqueID)
	cfg := EntityConfig{
		Name:                e.Name,
		UniqueID:            e.UniqueID,
		ObjectID:            oid,
		StateTopic:          p.entityTopic(oid, "state"),
		JSONAttributesTopic: p.entityTopic(oid, "attributes"),
		Availability: []Availability{
			{Topic: p.bridgeAvailabilityTopic()},
			{Topic: p.dataAvailabilityTopic()},
		},
		AvailabilityMode:  "all",
		Device:            fromEntityDevice(e.Device),
		Icon:              e.Icon,
		DeviceClass:       e.DeviceClass,
		StateClass:        e.StateClass,
		UnitOfMeasurement: e.Unit,
	}
	if e.Kind == entities.KindTracker {
		cfg.SourceType = "router"
		cfg.PayloadHome = "home"
		cfg.PayloadNotHome = "not_home"
	}
	return cfg
}

// announceEntity publishes e's discovery config. Callers hold p.mu.
func (p *Publisher) announceEntity(ctx context.Context, e entities.Entity) bool {
	topic := p.discoveryTopic(string(e.Kind), slug(e.UniqueID))
	payload, err := json.Marshal(p.entityConfig(e))
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload", "unique_id", e.UniqueID, "error", err)
		return false
	}
	if !p.publishRetained(ctx, topic, payload) {
		return false
	}
	p.announced[e.UniqueID] = announcement{topic: topic, feature: e.Feature}
	return true
}

func (p *Publisher) publishEntityState(ctx context.Context, e entities.Entity, st entities.State) {
	oid := slug(e.UniqueID)
	p.publishRetained(ctx, p.entityTopic(oid, "state"), []byte(st.Payload()))

	attrs := st.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		p.logger.Debug("mqtt marshal attributes", "unique_id", e.UniqueID, "error", err)
		return
	}
	p.publishRetained(ctx, p.entityTopic(oid, "attributes"), payload)
}

// --- Bridge device ---

func (p *Publisher) bridgeEntity(suffix, name string) EntityConfig {
	return EntityConfig{
		Name:         p.bridge.Name + " " + name,
		UniqueID:     p.instanceID + "_" + suffix,
		ObjectID:     p.nodeID() + "_" + suffix,
		StateTopic:   p.baseTopic() + "/" + suffix + "/state",
		Availability: []Availability{{Topic: p.bridgeAvailabilityTopic()}},
		Device:       p.bridge,
	}
}

func (p *Publisher) bridgeSensors() map[string]EntityConfig {
	lastRefresh := p.bridgeEntity("last_refresh", "Last Refresh")
	lastRefresh.DeviceClass = "timestamp"
	lastRefresh.EntityCategory = "diagnostic"
	lastRefresh.Icon = "mdi:cloud-refresh"

	status := p.bridgeEntity("refresh_status", "Refresh Status")
	status.EntityCategory = "diagnostic"
	status.Icon = "mdi:cloud-check"

	return map[string]EntityConfig{
		"last_refresh":   lastRefresh,
		"refresh_status": status,
	}
}

func (p *Publisher) publishBridgeDiscovery(ctx context.Context) {
	for suffix, cfg := range p.bridgeSensors() {
		p.publishJSON(ctx, p.discoveryTopic("sensor", p.nodeID()+"_"+suffix), cfg)
	}
	for _, name := range config.FeatureNames {
		p.publishJSON(ctx, p.discoveryTopic("switch", p.nodeID()+"_feature_"+name), p.switchConfig(name))
	}
}

// publishBridgeStates reports the coordinator's refresh status.
func (p *Publisher) publishBridgeStates(ctx context.Context) {
	st := p.deps.Source.Status()
	last := "None"
	if !st.LastSuccess.IsZero() {
		last = st.LastSuccess.UTC().Format(time.RFC3339)
	}
	p.publishRetained(ctx, p.baseTopic()+"/last_refresh/state", []byte(last))
	p.publishRetained(ctx, p.baseTopic()+"/refresh_status/state", []byte(refreshStatus(st)))
}

func refreshStatus(st coordinator.Status) string {
	switch {
	case !st.HasData && st.LastError != "":
		return "failed"
	case !st.HasData:
		return "pending"
	case st.Stale:
		return "stale"
	default:
		return "ok"
	}
}

// --- Low-level publishing. Callers hold p.mu. ---

func (p *Publisher) publishJSON(ctx context.Context, topic string, v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("mqtt marshal payload", "topic", topic, "error", err)
		return false
	}
	return p.publishRetained(ctx, topic, payload)
}

func (p *Publisher) publishRetained(ctx context.Context, topic string, payload []byte) bool {
	if p.client == nil {
		return false
	}
	if _, err := p.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		return false
	}
	p.logger.Log(ctx, config.LevelTrace, "mqtt published", "topic", topic, "bytes", len(payload))
	return true
}
