/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sessions

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	cfg "stash.kopano.io/kwm/kwmmedia/config"
	"stash.kopano.io/kwm/kwmmedia/internal/mediaclient"
)

// Manager handles media session clients.
type Manager struct {
	logger logrus.FieldLogger
	ctx    context.Context
	config *cfg.Config

	wg      sync.WaitGroup
	clients []*mediaclient.Client

	restarts prometheus.Counter
}

func NewManager(ctx context.Context, config *cfg.Config, uris []*url.URL) (*Manager, error) {
	m := &Manager{
		logger: config.Logger.WithField("manager", "sessions"),
		ctx:    ctx,
		config: config,
	}

	m.restarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_client_restarts_total",
		Help: "Total number of media session client restarts.",
	})
	if config.Metrics != nil {
		config.Metrics.MustRegister(m.restarts)
		config.Metrics.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sessions_clients_connected",
			Help: "Number of media session clients with an established session.",
		}, func() float64 {
			return float64(m.NumActive())
		}))
	}

	for _, uri := range uris {
		if client, err := m.connect(uri); err != nil {
			return nil, fmt.Errorf("failed to connect: %w", err)
		} else {
			m.clients = append(m.clients, client)
		}
	}

	return m, nil
}

func (m *Manager) connect(uri *url.URL) (*mediaclient.Client, error) {
	logger := m.logger
	ctx := m.ctx
	config := m.config

	logger.WithField("url", uri).Infoln("creating media session client")
	client, err := mediaclient.New(uri.String(), &mediaclient.Config{
		Config: config,

		HTTPClient: config.HTTPClient,
		Logger:     config.Logger.WithField("url", uri),
	})
	if err != nil {
		return nil, err
	}

	m.wg.Add(1)
	go func() {
		defer func() {
			logger.Debugln("media session connector stopped")
			m.wg.Done()
		}()
		for {
			logger.WithField("url", uri).Infoln("connecting media session")
			err := client.Start(ctx) // Connect and reconnect, this blocks.
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Warnln("media session connection stopped with error, restart scheduled")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(1 * time.Second):
				m.restarts.Inc()
				logger.Infoln("reconnecting media session")
				// breaks and continues.
			}
		}
	}()
	return client, nil
}

func (m *Manager) Wait() {
	m.wg.Wait()
}

// NumActive returns the number of clients with an established session.
func (m *Manager) NumActive() (active uint64) {
	for _, client := range m.clients {
		if client.Connected() {
			active++
		}
	}

	return active
}
