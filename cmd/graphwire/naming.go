package main

import (
	"context"
	"fmt"
	"net"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/wippyai/graphwire/config"
	"github.com/wippyai/graphwire/heap"
	"github.com/wippyai/graphwire/typebridge"
	"github.com/wippyai/graphwire/typenaming"
)

// serveNaming publishes the sender's type catalog through the configured
// naming service. The returned function stops it.
func serveNaming(log *zap.Logger, cfg config.Types, types *heap.Types) (func(), error) {
	switch cfg.Naming {
	case "grpc":
		lis, err := net.Listen("tcp", cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", cfg.Address, err)
		}
		srv := typenaming.NewServer(types)
		go func() {
			if err := srv.Serve(lis); err != nil {
				log.Warn("naming server stopped", zap.Error(err))
			}
		}()
		log.Info("serving type names over grpc", zap.String("address", lis.Addr().String()))
		return func() { srv.Stop(context.Background()) }, nil

	case "nats":
		nc, err := nats.Connect(cfg.Address, nats.Name("graphwire-sender"))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		resp, err := typenaming.NewResponder(nc, cfg.Subject, "", types)
		if err != nil {
			nc.Close()
			return nil, err
		}
		log.Info("serving type names over nats", zap.String("subject", cfg.Subject))
		return func() {
			_ = resp.Close()
			nc.Close()
		}, nil

	case "store":
		st, err := typenaming.OpenStore(cfg.Store, typenaming.StoreOptions{Namespace: cfg.Namespace, Timeout: cfg.Timeout})
		if err != nil {
			return nil, err
		}
		var entries []typenaming.Entry
		for _, t := range types.All() {
			entries = append(entries, typenaming.Entry{Name: t.Name, ID: t.ID})
		}
		err = st.Publish(entries)
		if cerr := st.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, err
		}
		log.Info("published type catalog", zap.String("store", cfg.Store), zap.Int("types", len(entries)))
		return func() {}, nil
	}
	return func() {}, nil
}

// dialNaming returns the namer a receiver resolves remote type ids with.
// local names come from the sender catalog of the same process.
func dialNaming(cfg config.Types, local typebridge.Catalog) (typebridge.Namer, func(), error) {
	switch cfg.Naming {
	case "grpc":
		conn, err := grpc.NewClient(cfg.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("dial naming service: %w", err)
		}
		return typenaming.NewClient(conn, cfg.Timeout), func() { _ = conn.Close() }, nil

	case "nats":
		nc, err := nats.Connect(cfg.Address, nats.Name("graphwire-receiver"))
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		return typenaming.NewNATSClient(nc, cfg.Subject), nc.Close, nil

	case "store":
		st, err := typenaming.OpenStore(cfg.Store, typenaming.StoreOptions{
			Namespace: cfg.Namespace,
			ReadOnly:  true,
			Timeout:   cfg.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	}
	return typenaming.NewLocal(local), func() {}, nil
}

// newBridge builds the bridge of one endpoint.
func newBridge(cfg config.Types, catalog typebridge.Catalog, namer typebridge.Namer) (*typebridge.Bridge, error) {
	if cfg.Strategy == "table" {
		return typebridge.NewTable(catalog, cfg.Table)
	}
	return typebridge.NewOnDemand(catalog, namer), nil
}
