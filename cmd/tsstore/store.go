package main

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/calvinalkan/tsstore/internal/config"
	"github.com/calvinalkan/tsstore/pkg/applog"
	"github.com/calvinalkan/tsstore/pkg/journal"
	"github.com/calvinalkan/tsstore/pkg/metrics"
	"github.com/calvinalkan/tsstore/pkg/recmap"
)

const (
	readHeaderTimeout = 5 * time.Second
	replayTimeout     = 5 * time.Second
	replayWait        = time.Millisecond
)

var errReplayTimeout = errors.New("timed out waiting for replay")

// store is a journal log replayed into a map by the log's background
// poller. Writes go to the log; reads go to the map.
type store struct {
	log      *applog.Log
	m        *recmap.Map
	writer   *journal.Writer
	replayer *journal.Replayer
	logger   *zap.Logger

	fatal atomic.Pointer[error]
}

func openStore(cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (*store, error) {
	m, err := recmap.Open(recmap.Options{
		Path:      cfg.MapPath(),
		KeySize:   cfg.KeySize,
		ValueSize: cfg.ValueSize,
		Capacity:  cfg.Capacity,
		Logger:    logger.Named("recmap"),
		Metrics:   metrics.NewMap(reg, cfg.Map),
	})
	if err != nil {
		return nil, fmt.Errorf("open map: %w", err)
	}

	s := &store{m: m, logger: logger}

	s.log, err = applog.Open(applog.Options{
		Path:       cfg.LogPath(),
		TermLength: cfg.TermLength,
		Logger:     logger.Named("applog"),
		Metrics:    metrics.NewLog(reg, cfg.Log),
		OnFatal: func(err error) {
			s.fatal.Store(&err)
		},
	})
	if err != nil {
		_ = m.Close()

		return nil, fmt.Errorf("open log: %w", err)
	}

	err = s.start(cfg.StreamID)
	if err != nil {
		_ = s.Close()

		return nil, err
	}

	return s, nil
}

func (s *store) start(streamID int32) error {
	var err error

	s.replayer, err = journal.NewReplayer(s.m, streamID, s.logger.Named("journal"))
	if err != nil {
		return err
	}

	s.writer, err = journal.NewWriter(s.log, s.replayer.Codec(), streamID)
	if err != nil {
		return err
	}

	return s.log.Start(s.replayer)
}

// waitReplayed blocks until the record at pos has been applied to the map.
func (s *store) waitReplayed(pos int64) error {
	deadline := time.Now().Add(replayTimeout)

	for s.replayer.LastPosition() < pos {
		if p := s.fatal.Load(); p != nil {
			return fmt.Errorf("replay stopped: %w", *p)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("position %d: %w", pos, errReplayTimeout)
		}

		time.Sleep(replayWait)
	}

	return nil
}

func (s *store) set(key, value []byte) error {
	pos, err := s.writer.Set(key, value)
	if err != nil {
		return err
	}

	return s.waitReplayed(pos)
}

func (s *store) remove(key []byte) error {
	pos, err := s.writer.Remove(key)
	if err != nil {
		return err
	}

	return s.waitReplayed(pos)
}

func (s *store) flush() error {
	return errors.Join(s.log.Flush(true), s.m.Flush(true))
}

func (s *store) Close() error {
	// The log first: its poller writes to the map.
	return errors.Join(s.log.Close(), s.m.Close())
}
