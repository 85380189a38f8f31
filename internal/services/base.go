package services

import (
	"context"
	"fmt"

	"github.com/CloudNativeWorks/elchi-ota/internal/config"
	"github.com/CloudNativeWorks/elchi-ota/internal/operations/download"
	"github.com/CloudNativeWorks/elchi-ota/internal/operations/files"
	"github.com/CloudNativeWorks/elchi-ota/internal/operations/httpfetch"
	"github.com/CloudNativeWorks/elchi-ota/internal/operations/systemd"
	"github.com/CloudNativeWorks/elchi-ota/internal/operations/upgrade"
	"github.com/CloudNativeWorks/elchi-ota/internal/operations/version"
	"github.com/CloudNativeWorks/elchi-ota/internal/transport"
	"github.com/CloudNativeWorks/elchi-ota/pkg/helper"
	"github.com/CloudNativeWorks/elchi-ota/pkg/logger"
)

const historyFile = "/update.history"

// Services wires the update agent together from the build configuration.
type Services struct {
	config  *config.Config
	logger  *logger.Logger
	storage files.Storage
	session *transport.Session
	updater *UpdateService
}

func NewServices(cfg *config.Config) (*Services, error) {
	log := logger.NewLogger("services")

	storage, err := files.NewOS(cfg.Storage.Root)
	if err != nil {
		return nil, err
	}

	deviceID, err := config.GetStoredDeviceID(cfg.Storage.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to load device ID: %w", err)
	}

	restarter, err := systemd.NewRestarter(cfg.Apply)
	if err != nil {
		return nil, err
	}

	tcp := transport.NewTCPTransport(cfg.Timeouts.Connect)
	session := transport.NewSession(tcp, transport.NewNetlinkAttacher(cfg.Network.Interface, cfg.Network.APN),
		transport.SessionOptions{ReconnectDelay: cfg.Timeouts.ReconnectDelay})

	fetcher := httpfetch.New(tcp, httpfetch.Options{
		ResponseTimeout: cfg.Timeouts.Response,
		BodyIdle:        cfg.Timeouts.BodyIdle,
	})

	reporters := []StatusReporter{NewLogReporter()}
	if cfg.Report.Broker != "" {
		reporters = append(reporters, NewMQTTReporter(cfg.Report.Broker, cfg.Report.Topic, deviceID))
	}

	updater := NewUpdateService(Settings{
		Endpoint:     Endpoint(cfg),
		LocalVersion: cfg.Build.Version,
		DeviceID:     deviceID,
		ArtifactPath: cfg.Storage.Artifact,
		StatusPath:   cfg.Storage.Status,
		HistoryPath:  historyFile,
		Download:     download.Options{InactivityTimeout: cfg.Timeouts.Inactivity},
	}, Dependencies{
		Session:     session,
		Fetcher:     fetcher,
		Storage:     storage,
		Writer:      upgrade.NewBinaryWriter(cfg.Apply.TargetPath),
		Restarter:   restarter,
		StatusStore: storage,
		Reporter:    newMultiReporter(reporters...),
	})

	log.WithFields(logger.Fields{
		"device_id":     deviceID,
		"server":        cfg.Server.Host,
		"local_version": cfg.Build.Version,
		"restart":       cfg.Apply.Restart,
	}).Debug("Services initialized")

	return &Services{
		config:  cfg,
		logger:  log,
		storage: storage,
		session: session,
		updater: updater,
	}, nil
}

// Endpoint is the firmware server described by cfg.
func Endpoint(cfg *config.Config) httpfetch.Endpoint {
	return httpfetch.Endpoint{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		VersionPath: cfg.Server.VersionPath,
		BinaryPath:  cfg.Server.BinaryPath,
	}
}

func (s *Services) Updater() *UpdateService {
	return s.updater
}

// RunCycle runs one full update cycle.
func (s *Services) RunCycle(ctx context.Context) (res *CycleResult, err error) {
	defer func() {
		if res == nil {
			res = &CycleResult{State: s.updater.State()}
		}
	}()
	defer helper.RecoverError(s.logger, "update-cycle", &err)
	return s.updater.Run(ctx)
}

// CheckVersion only asks the server for its version.
func (s *Services) CheckVersion(ctx context.Context) (version.Result, error) {
	return s.updater.Check(ctx)
}

// LastStatus returns the record of the last cycle and the staged files.
func (s *Services) LastStatus() (files.StatusRecord, []files.Entry, error) {
	entries, err := files.ListDir(s.storage, "/", listLevels, s.logger)
	if err != nil {
		return files.StatusRecord{}, nil, err
	}
	rec, err := files.LoadStatus(s.storage, s.config.Storage.Status)
	return rec, entries, err
}

// Close releases the network session.
func (s *Services) Close() {
	s.session.Teardown()
}
