// Command edgegwd is the gateway host process: it loads the config
// directory, wires the frame bus and its WAL, brings up every configured
// field-facing driver and north-bound fan-out adapter, and serves until
// a shutdown signal arrives. Exit codes are 0 clean, 1 fatal init, 2
// invalid configuration, 130 on SIGINT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/edgegw/gateway/internal/alert"
	"github.com/edgegw/gateway/internal/alert/rulestore"
	"github.com/edgegw/gateway/internal/bus"
	"github.com/edgegw/gateway/internal/bus/wal"
	"github.com/edgegw/gateway/internal/config"
	"github.com/edgegw/gateway/internal/driver"
	"github.com/edgegw/gateway/internal/driver/modbustcp"
	"github.com/edgegw/gateway/internal/endpoint"
	"github.com/edgegw/gateway/internal/errkind"
	"github.com/edgegw/gateway/internal/fanout/modbusslave"
	"github.com/edgegw/gateway/internal/fanout/mqttpub"
	"github.com/edgegw/gateway/internal/fanout/webhookpub"
	"github.com/edgegw/gateway/internal/fanout/wsbridge"
	"github.com/edgegw/gateway/internal/fanout/wsfanout"
	"github.com/edgegw/gateway/internal/frame"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config", "./config", "Config directory containing endpoints.yml, drivers.yml, variables.yml")
	walDir := flag.String("wal-dir", "./data/wal", "WAL/Pebble data directory")
	rulesDB := flag.String("rules-db", "./data/rules.db", "Alert rule store (sqlite) path")
	wsAddr := flag.String("ws-addr", ":8080", "Listen address for the /ws/telemetry WebSocket endpoint")
	slaveAddr := flag.String("modbus-slave-addr", ":1502", "Listen address for the Modbus/TCP slave fan-out")
	ringCapacity := flag.Int("ring-capacity", 4096, "Frame bus ring capacity")
	shutdownGrace := flag.Duration("shutdown-grace", 10*time.Second, "Hard deadline for graceful shutdown")
	mqttBroker := flag.String("mqtt-broker", "", "MQTT broker URL (tcp://host:1883); empty disables the MQTT publisher")
	webhookURL := flag.String("webhook-url", "", "Webhook URL; empty disables the webhook publisher")
	dev := flag.Bool("dev", false, "Use a human-readable development logger instead of JSON production logging")

	flag.Usage = printUsage
	flag.Parse()

	log, err := buildLogger(*dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgegwd: failed to build logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	cfgWatcher, err := config.NewWatcher(*configDir, log)
	if err != nil {
		log.Error("edgegwd: failed to load configuration", zap.Error(err))
		if errkind.KindOf(err) == errkind.Configuration {
			return 2
		}
		return 1
	}
	cfg := cfgWatcher.Current()

	store, err := wal.Open(*walDir, wal.Options{})
	if err != nil {
		log.Error("edgegwd: failed to open WAL", zap.Error(err))
		return 1
	}
	defer store.Close()

	frameBus := bus.New(*ringCapacity, store)
	if maxSeq, ok, err := store.MaxSeq(); err != nil {
		log.Error("edgegwd: WAL recovery failed", zap.Error(err))
		return 1
	} else if ok {
		frameBus.SeedSeq(maxSeq)
		log.Info("edgegwd: recovered WAL sequence floor", zap.Uint64("seq", maxSeq))
	}

	rulesStore, err := rulestore.Open(context.Background(), *rulesDB)
	if err != nil {
		log.Error("edgegwd: failed to open rule store", zap.Error(err))
		return 1
	}
	defer rulesStore.Close()

	if err := seedAlarmRules(context.Background(), rulesStore, cfg.Variables); err != nil {
		log.Warn("edgegwd: failed seeding alarm rules from variables.yml", zap.Error(err))
	}
	rules, err := rulesStore.List(context.Background())
	if err != nil {
		log.Error("edgegwd: failed to list alert rules", zap.Error(err))
		return 1
	}
	evaluator := alert.New(rules)

	registry := driver.NewRegistry(frameBus)
	pools := make(map[string]*endpoint.Pool)
	for _, e := range cfg.Endpoints {
		pool, err := buildPool(e)
		if err != nil {
			log.Error("edgegwd: invalid endpoint config", zap.String("endpoint_id", e.ID), zap.Error(err))
			continue
		}
		pools[e.ID] = pool
		defer pool.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loadDrivers(ctx, log, registry, pools, cfg)

	mgr := wsfanout.NewManager(frameBus)
	wsServer := wsfanout.NewServer(mgr, nil, log)
	mux := http.NewServeMux()
	mux.Handle("/ws/telemetry", wsServer)
	httpSrv := &http.Server{Addr: *wsAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("edgegwd: websocket server exited", zap.Error(err))
		}
	}()
	log.Info("edgegwd: websocket endpoint listening", zap.String("addr", *wsAddr))

	bridge := wsbridge.New(frameBus, store)
	go func() {
		if err := bridge.Run(ctx); err != nil {
			log.Warn("edgegwd: ws ack bridge stopped", zap.Error(err))
		}
	}()

	points := buildDataPoints(cfg.Variables)
	var slave *modbusslave.Server
	if len(points) > 0 {
		slave, err = modbusslave.NewServer(*slaveAddr, frameBus, points, 1)
		if err != nil {
			log.Error("edgegwd: failed to start modbus slave", zap.Error(err))
		} else {
			go func() {
				if err := slave.Serve(ctx); err != nil {
					log.Warn("edgegwd: modbus slave stopped", zap.Error(err))
				}
			}()
			log.Info("edgegwd: modbus slave listening", zap.String("addr", *slaveAddr))
		}
	}

	var mqttPublisher *mqttpub.Publisher
	if *mqttBroker != "" {
		mqttPublisher = mqttpub.New(mqttpub.Config{BrokerURL: *mqttBroker, TopicTemplate: "edgegw/{{tag}}"}, frameBus, bus.ForKind(frame.KindData), log)
		go func() {
			if err := mqttPublisher.Run(ctx); err != nil {
				log.Warn("edgegwd: mqtt publisher stopped", zap.Error(err))
			}
		}()
	}

	var webhookPublisher *webhookpub.Publisher
	if *webhookURL != "" {
		webhookPublisher = webhookpub.New(webhookpub.Config{URL: *webhookURL, BodyTemplate: `{"tag":"{{tag}}","value":"{{value}}","timestamp":"{{timestamp}}"}`}, frameBus, bus.ForKind(frame.KindData), log)
		go func() {
			if err := webhookPublisher.Run(ctx); err != nil {
				log.Warn("edgegwd: webhook publisher stopped", zap.Error(err))
			}
		}()
	}

	go runAlertEvaluator(ctx, log, frameBus, evaluator)
	go watchConfigReloads(ctx, log, cfgWatcher, evaluator, rulesStore)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("edgegwd: shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *shutdownGrace)
	defer shutdownCancel()

	cancel()
	registry.Shutdown(shutdownCtx)
	if mqttPublisher != nil {
		mqttPublisher.Close()
	}
	if webhookPublisher != nil {
		webhookPublisher.Close()
	}
	if slave != nil {
		_ = slave.Close()
	}
	_ = httpSrv.Shutdown(shutdownCtx)

	if sig == os.Interrupt {
		return 130
	}
	return 0
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func buildPool(e config.EndpointSpec) (*endpoint.Pool, error) {
	u, err := url.Parse(e.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	cfg, err := endpoint.NewConfig(e.ID, u,
		endpoint.WithTimeout(e.Timeout),
		endpoint.WithPool(endpoint.PoolLimits{Min: e.Pool.Min, Max: e.Pool.Max, IdleTimeout: e.Pool.IdleTimeout, MaxLifetime: e.Pool.MaxLifetime}),
		endpoint.WithTLS(endpoint.TLSParams{ServerName: e.TLS.ServerName, VerifyCert: e.TLS.VerifyCert}),
	)
	if err != nil {
		return nil, err
	}
	return endpoint.NewPool(cfg, dialTCP), nil
}

// dialTCP is the Dialer every currently supported field protocol
// (Modbus/TCP) shares: the URL's host:port identifies a plain TCP
// byte-stream transport. The connection is returned as is; it is not
// wrapped in an endpoint.DialTunnel Noise tunnel.
func dialTCP(ctx context.Context, cfg *endpoint.Config) (endpoint.Transport, error) {
	d := &net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.URL.Host)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func loadDrivers(ctx context.Context, log *zap.Logger, registry *driver.Registry, pools map[string]*endpoint.Pool, cfg *config.Config) {
	for _, d := range cfg.Drivers {
		var drv driver.Driver
		switch d.Proto {
		case "modbus_tcp":
			drv = modbustcp.New()
		default:
			log.Warn("edgegwd: no driver implementation for protocol, skipping", zap.String("driver_id", d.ID), zap.String("proto", d.Proto))
			continue
		}
		registry.RegisterStatic(d.ID, drv)

		pool, ok := pools[d.EndpointID]
		if !ok {
			log.Error("edgegwd: driver references unknown endpoint, leaving unloaded", zap.String("driver_id", d.ID), zap.String("endpoint_id", d.EndpointID))
			continue
		}
		acquireCtx, acquireCancel := context.WithTimeout(ctx, 10*time.Second)
		handle, err := pool.Acquire(acquireCtx)
		acquireCancel()
		if err != nil {
			log.Error("edgegwd: failed to acquire endpoint for driver", zap.String("driver_id", d.ID), zap.Error(err))
			continue
		}

		rawCfg := make(map[string]any, len(d.Config)+1)
		for k, v := range d.Config {
			rawCfg[k] = v
		}
		rawCfg["tags"] = buildModbusTags(cfg.Variables, d.ID)

		if err := registry.Load(ctx, d.ID, rawCfg, handle); err != nil {
			log.Error("edgegwd: driver failed to load", zap.String("driver_id", d.ID), zap.Error(err))
			handle.Release()
			continue
		}
		log.Info("edgegwd: driver active", zap.String("driver_id", d.ID), zap.String("proto", d.Proto))
	}
}

func regionOf(kind string) modbustcp.Region {
	switch kind {
	case "coil":
		return modbustcp.RegionCoils
	case "discrete_input":
		return modbustcp.RegionDiscreteInputs
	case "input_register":
		return modbustcp.RegionInputRegisters
	default:
		return modbustcp.RegionHoldingRegisters
	}
}

func buildModbusTags(vars []config.VariableSpec, driverID string) []modbustcp.Tag {
	var tags []modbustcp.Tag
	for _, v := range vars {
		if v.DriverID != driverID {
			continue
		}
		length := v.Address.Len
		if length == 0 {
			length = 1
		}
		tags = append(tags, modbustcp.Tag{
			Name:     v.Tag,
			Region:   regionOf(v.Address.Kind),
			Address:  v.Address.Addr,
			Length:   length,
			Scale:    v.Scale,
			Offset:   v.Offset,
			Unit:     v.Unit,
			DeviceID: v.DeviceID,
		})
	}
	return tags
}

func slaveRegionOf(kind string) modbusslave.Region {
	switch kind {
	case "coil":
		return modbusslave.RegionCoils
	case "discrete_input":
		return modbusslave.RegionDiscreteInputs
	case "input_register":
		return modbusslave.RegionInputRegisters
	default:
		return modbusslave.RegionHoldingRegisters
	}
}

// buildDataPoints mirrors every configured variable into the Modbus
// slave's address space so north-bound SCADA/HMI polls see the same
// values the gateway ingested south-bound.
func buildDataPoints(vars []config.VariableSpec) []modbusslave.DataPoint {
	var points []modbusslave.DataPoint
	for _, v := range vars {
		length := v.Address.Len
		if length == 0 {
			length = 1
		}
		points = append(points, modbusslave.DataPoint{
			Tag:     frame.TelemetryTag(v.DeviceID, v.Tag),
			Region:  slaveRegionOf(v.Address.Kind),
			Address: v.Address.Addr,
			Words:   length,
		})
	}
	return points
}

func comparatorOf(s string) alert.Comparator {
	switch s {
	case "lt":
		return alert.CompLessThan
	case "eq":
		return alert.CompEqual
	default:
		return alert.CompGreaterThan
	}
}

func severityOf(s string) alert.Severity {
	switch s {
	case "warning":
		return alert.SeverityWarning
	case "critical":
		return alert.SeverityCritical
	default:
		return alert.SeverityInfo
	}
}

// seedAlarmRules inserts a rule for every variables.yml alarm whose id
// isn't already present in the store, so a freshly-provisioned gateway
// has working alerts without a separate admin step. Once present in the
// store, an alarm is managed there, not here.
func seedAlarmRules(ctx context.Context, store *rulestore.Store, vars []config.VariableSpec) error {
	existing, err := store.List(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, r := range existing {
		have[r.ID] = true
	}
	for _, v := range vars {
		for i, a := range v.Alarms {
			id := v.Tag + "#" + strconv.Itoa(i)
			if have[id] {
				continue
			}
			rule := alert.Rule{
				ID: id, DeviceID: v.DeviceID, TagID: v.Tag,
				Comparator: comparatorOf(a.Comparator), Threshold: a.Threshold,
				Severity: severityOf(a.Severity), Message: a.Message,
				EvalEvery: a.EvalEvery, EvalFor: a.EvalFor, SilenceFor: a.SilenceFor,
			}
			if err := store.Upsert(ctx, rule); err != nil {
				return err
			}
		}
	}
	return nil
}

// runAlertEvaluator feeds every Data frame through the evaluator and
// republishes state changes as Alert frames.
func runAlertEvaluator(ctx context.Context, log *zap.Logger, b *bus.Bus, ev *alert.Evaluator) {
	sub := b.Subscribe("alert-evaluator", bus.ForKind(frame.KindData), 1024)
	defer b.Unsubscribe(sub.ID)
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-sub.Ch:
			if !ok {
				return
			}
			for _, chg := range ev.Ingest(f) {
				alertFrame := frame.Frame{
					Kind:      frame.KindData,
					Tag:       frame.AlertTag(chg.ID),
					Value:     frame.Str(chg.Message),
					Quality:   frame.QualityGood,
					Timestamp: time.Now(),
					Meta: map[string]string{
						"rule_id":  chg.RuleID,
						"severity": severityString(chg.Severity),
						"state":    chg.State.String(),
					},
				}
				if _, err := b.Publish(ctx, alertFrame); err != nil {
					log.Warn("edgegwd: failed publishing alert frame", zap.Error(err))
				}
			}
		}
	}
}

func severityString(s alert.Severity) string {
	switch s {
	case alert.SeverityCritical:
		return "CRIT"
	case alert.SeverityWarning:
		return "WARN"
	default:
		return "INFO"
	}
}

// watchConfigReloads re-seeds the alert evaluator's rule set whenever the
// rule store changes are signalled alongside a config reload; the
// evaluator's own Reload auto-resolves events for rules removed in the
// new snapshot.
func watchConfigReloads(ctx context.Context, log *zap.Logger, w *config.Watcher, ev *alert.Evaluator, store *rulestore.Store) {
	go func() {
		if err := w.Run(ctx); err != nil {
			log.Warn("edgegwd: config watcher stopped", zap.Error(err))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-w.Updates():
			if !ok {
				return
			}
			if err := seedAlarmRules(ctx, store, newCfg.Variables); err != nil {
				log.Warn("edgegwd: failed seeding alarm rules on reload", zap.Error(err))
			}
			rules, err := store.List(ctx)
			if err != nil {
				log.Warn("edgegwd: failed listing rules on reload", zap.Error(err))
				continue
			}
			for _, resolved := range ev.Reload(rules) {
				log.Info("edgegwd: config reload auto-resolved alert", zap.String("event_id", resolved.ID))
			}
		}
	}
}

func printUsage() {
	fmt.Println("edgegwd - industrial edge telemetry gateway")
	fmt.Println("Usage:")
	fmt.Println("  edgegwd [-config <dir>] [-wal-dir <dir>] [-rules-db <path>] [-ws-addr <addr>] [-modbus-slave-addr <addr>]")
	fmt.Println()
	fmt.Println("Example:")
	fmt.Println("  edgegwd -config /etc/edgegw -wal-dir /var/lib/edgegw/wal -rules-db /var/lib/edgegw/rules.db")
}
