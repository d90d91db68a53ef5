// Package app wires configuration, storage, transport and the HTTP surfaces
// into the two runnable roles: the rendezvous broker and a participant node.
package app

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/consult/internal/api"
	"github.com/petervdpas/consult/internal/archive"
	"github.com/petervdpas/consult/internal/broadcast"
	"github.com/petervdpas/consult/internal/call"
	"github.com/petervdpas/consult/internal/config"
	"github.com/petervdpas/consult/internal/identity"
	"github.com/petervdpas/consult/internal/media"
	"github.com/petervdpas/consult/internal/rendezvous"
	"github.com/petervdpas/consult/internal/storage"
	"github.com/petervdpas/consult/internal/transport"
	"github.com/petervdpas/consult/internal/util"
)

var log = logging.Logger("app")

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// Join names the single session `consult join` starts.
type Join struct {
	AppointmentID string
	Role          identity.Role
}

func openLedger(ctx context.Context, o Options) (*storage.DB, error) {
	s := o.Cfg.Storage
	if s.Driver == "" {
		return nil, nil
	}
	dsn := s.DSN
	if s.Driver == storage.DriverSQLite {
		dsn = util.ResolvePath(o.Dir, dsn)
	}
	db, err := storage.Open(ctx, s.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return db, nil
}

// RunBroker serves the rendezvous broker until ctx ends.
func RunBroker(ctx context.Context, o Options) error {
	cfg := o.Cfg

	ropts := rendezvous.Options{
		Addr:              net.JoinHostPort(cfg.Broker.Bind, strconv.Itoa(cfg.Broker.Port)),
		ExternalURL:       cfg.Broker.ExternalURL,
		TTL:               time.Duration(cfg.Broker.TTLSec) * time.Second,
		AdminPasswordHash: cfg.Broker.AdminPasswordHash,
		AllowedOrigins:    cfg.Broker.AllowedOrigins,
	}
	db, err := openLedger(ctx, o)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		ropts.Ledger = db
	}

	srv := rendezvous.New(ropts)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}

	admin := "disabled (no admin_password_hash)"
	if cfg.Broker.AdminPasswordHash != "" {
		admin = srv.URL() + "/api/peers"
	}
	lines := []string{
		"Broker      : " + srv.URL(),
		fmt.Sprintf("TTL         : %ds", cfg.Broker.TTLSec),
		"Admin       : " + admin,
	}
	if cfg.Broker.ExternalURL != "" {
		lines = append(lines, "External    : "+cfg.Broker.ExternalURL)
	}
	if db != nil {
		lines = append(lines, "Ledger      : "+db.Driver())
	}
	banner("CONSULT BROKER", o.Dir, o.CfgPath, lines...)

	<-ctx.Done()
	return nil
}

// RunParticipant serves the local API and runs sessions until ctx ends. With
// join set it starts that session and returns when it terminates.
func RunParticipant(ctx context.Context, o Options, join *Join) error {
	cfg := o.Cfg

	ice := transport.NewICEConfig(iceServers(cfg.ICE))
	if err := config.Watch(ctx, o.CfgPath, func(c config.Config) {
		ice.Set(iceServers(c.ICE))
		if err := ConfigureLogging(c.Log.Level); err != nil {
			log.Warnf("reload log level: %v", err)
		}
		log.Infof("config reloaded: %d ICE server(s)", len(c.ICE.Servers))
	}); err != nil {
		log.Warnf("config watch disabled: %v", err)
	}

	bus, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	copts := call.Options{
		Factory: transport.NewFactory(transport.Options{
			BrokerURL:           cfg.Call.BrokerURL,
			Heartbeat:           time.Duration(cfg.Call.HeartbeatSec) * time.Second,
			ICE:                 ice,
			DisconnectedTimeout: time.Duration(cfg.ICE.DisconnectedTimeoutSec) * time.Second,
			FailedTimeout:       time.Duration(cfg.ICE.FailedTimeoutSec) * time.Second,
		}),
		Acquirer: &media.DeviceAcquirer{ID: "consult-" + uuid.NewString()[:8]},
		Constraints: media.Constraints{
			Video:        !cfg.Media.VideoDisabled,
			Audio:        !cfg.Media.AudioDisabled,
			MaxWidth:     cfg.Media.MaxWidth,
			MaxHeight:    cfg.Media.MaxHeight,
			VideoBitRate: cfg.Media.VideoBitRate,
		},
		Bus:                 bus,
		RetryInterval:       time.Duration(cfg.Call.RetryIntervalMs) * time.Millisecond,
		DialTimeout:         time.Duration(cfg.Call.DialTimeoutSec) * time.Second,
		CollisionDelay:      time.Duration(cfg.Call.CollisionDelayMs) * time.Millisecond,
		MaxCollisionDelay:   time.Duration(cfg.Call.MaxCollisionDelayMs) * time.Millisecond,
		MaxCollisionRetries: cfg.Call.MaxCollisionRetries,
		MaxFileSize:         cfg.Call.MaxFileSizeBytes,
	}
	if cfg.Call.RecordDir != "" {
		copts.RecordDir = util.ResolvePath(o.Dir, cfg.Call.RecordDir)
	}

	aopts := api.Options{
		AllowedOrigins: cfg.API.AllowedOrigins,
		MaxFileSize:    cfg.Call.MaxFileSizeBytes,
	}
	aopts.Addr, _ = NormalizeLocalAddr(cfg.API.HTTPAddr)

	db, err := openLedger(ctx, o)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		copts.Ledger = db
		aopts.History = db
	}

	if cfg.Archive.Enabled {
		actx, cancel := context.WithTimeout(ctx, 10*time.Second)
		m, err := archive.NewMinio(actx, archive.Options{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			UseSSL:    cfg.Archive.UseSSL,
		})
		cancel()
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		copts.Archiver = m
	}

	mgr := call.NewManager(copts)
	defer mgr.Close()
	mgr.OnEnded(func(s *call.Session, r call.EndReason) {
		log.Infof("[%s] session %s ended: %s", s.Self(), s.AppointmentID(), r)
	})

	srv := api.New(mgr, aopts)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start api: %w", err)
	}

	lines := []string{
		"API         : " + srv.URL(),
		"Broker      : " + cfg.Call.BrokerURL,
		"Broadcast   : " + cfg.Broadcast.Backend,
	}
	if db != nil {
		lines = append(lines, "Ledger      : "+db.Driver())
	}
	if copts.Archiver != nil {
		lines = append(lines, "Archive     : "+cfg.Archive.Endpoint+"/"+cfg.Archive.Bucket)
	}
	if copts.RecordDir != "" {
		lines = append(lines, "Recordings  : "+copts.RecordDir)
	}
	banner("CONSULT PARTICIPANT", o.Dir, o.CfgPath, lines...)

	if join == nil {
		<-ctx.Done()
		return nil
	}

	sess, err := mgr.Start(ctx, join.AppointmentID, join.Role)
	if err != nil {
		return fmt.Errorf("join %s as %s: %w", join.AppointmentID, join.Role, err)
	}
	log.Infof("joined %s as %s (%s -> %s)", sess.AppointmentID(), sess.Role(), sess.Self(), sess.Peer())

	select {
	case <-ctx.Done():
	case <-sess.Done():
		if e := sess.Err(); e != nil {
			return e
		}
	}
	return nil
}

func openBus(cfg config.Config) (broadcast.Bus, error) {
	switch cfg.Broadcast.Backend {
	case "local":
		return broadcast.NewLocal(), nil
	case "amqp":
		b, err := broadcast.DialAMQP(cfg.Broadcast.AMQPURL, cfg.Broadcast.Exchange)
		if err != nil {
			return nil, fmt.Errorf("broadcast amqp: %w", err)
		}
		return b, nil
	default:
		b, err := broadcast.NewBrokerBus(cfg.Call.BrokerURL, "bus-"+uuid.NewString()[:8])
		if err != nil {
			return nil, fmt.Errorf("broadcast broker: %w", err)
		}
		return b, nil
	}
}
