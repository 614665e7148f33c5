package routing

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/chronos-store/chronos/application/ports"
	"github.com/chronos-store/chronos/infrastructure/config"
	ddbstore "github.com/chronos-store/chronos/infrastructure/persistence/dynamodb"
	"github.com/chronos-store/chronos/infrastructure/persistence/localfs"
	"github.com/chronos-store/chronos/infrastructure/persistence/memory"
	s3store "github.com/chronos-store/chronos/infrastructure/persistence/s3"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

// Pool maps connection references to live adapters. Connections open lazily
// on first use and are reference-counted so shutdown can report leaked
// borrows before closing.
type Pool struct {
	cfg    *config.Config
	logger *zap.Logger

	mu        sync.Mutex
	docs      map[string]*pooledConn[ports.DocumentStore]
	spaces    map[string]*pooledConn[ports.ObjectStore]
	fallbacks map[string]ports.FallbackStore
	counters  map[string]ports.CounterStore
	closed    bool
}

type pooledConn[T any] struct {
	store T
	uses  int64
}

// NewPool creates an empty pool over a config snapshot
func NewPool(cfg *config.Config, logger *zap.Logger) *Pool {
	return &Pool{
		cfg:       cfg,
		logger:    logger,
		docs:      make(map[string]*pooledConn[ports.DocumentStore]),
		spaces:    make(map[string]*pooledConn[ports.ObjectStore]),
		fallbacks: make(map[string]ports.FallbackStore),
		counters:  make(map[string]ports.CounterStore),
	}
}

// DocStore returns the document store for a connection reference, opening it
// on first use.
func (p *Pool) DocStore(ctx context.Context, ref string) (ports.DocumentStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, cerrors.NewInternal("connection pool is shut down")
	}
	if conn, ok := p.docs[ref]; ok {
		conn.uses++
		return conn.store, nil
	}

	connCfg, ok := p.cfg.DBConnections[ref]
	if !ok {
		return nil, cerrors.NewConfigRefMissing(ref)
	}

	store, err := p.openDocStore(ctx, ref, connCfg)
	if err != nil {
		return nil, err
	}
	p.docs[ref] = &pooledConn[ports.DocumentStore]{store: store, uses: 1}
	return store, nil
}

// ObjectStore returns the object store for a connection reference, opening
// it on first use.
func (p *Pool) ObjectStore(ctx context.Context, ref string) (ports.ObjectStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, cerrors.NewInternal("connection pool is shut down")
	}
	if conn, ok := p.spaces[ref]; ok {
		conn.uses++
		return conn.store, nil
	}

	connCfg, ok := p.cfg.SpacesConnections[ref]
	if !ok {
		return nil, cerrors.NewConfigRefMissing(ref)
	}

	store, err := p.openObjectStore(ctx, ref, connCfg)
	if err != nil {
		return nil, err
	}
	p.spaces[ref] = &pooledConn[ports.ObjectStore]{store: store, uses: 1}
	return store, nil
}

// FallbackStore returns the retry queue store on a document connection,
// opening it on first use. The queue lives beside the records table.
func (p *Pool) FallbackStore(ctx context.Context, ref string) (ports.FallbackStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, cerrors.NewInternal("connection pool is shut down")
	}
	if store, ok := p.fallbacks[ref]; ok {
		return store, nil
	}

	connCfg, ok := p.cfg.DBConnections[ref]
	if !ok {
		return nil, cerrors.NewConfigRefMissing(ref)
	}
	var store ports.FallbackStore
	switch connCfg.Kind {
	case "memory":
		store = memory.NewFallbackStore()
	case "dynamodb":
		client, err := p.ddbClient(ctx, ref, connCfg)
		if err != nil {
			return nil, err
		}
		store = ddbstore.NewFallbackStore(client, connCfg.TablePrefix, p.logger)
	default:
		return nil, cerrors.NewValidationf("unknown db connection kind %q", connCfg.Kind)
	}
	p.fallbacks[ref] = store
	return store, nil
}

// CounterStore returns the analytics counter store on a document connection,
// opening it on first use.
func (p *Pool) CounterStore(ctx context.Context, ref string) (ports.CounterStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, cerrors.NewInternal("connection pool is shut down")
	}
	if store, ok := p.counters[ref]; ok {
		return store, nil
	}

	connCfg, ok := p.cfg.DBConnections[ref]
	if !ok {
		return nil, cerrors.NewConfigRefMissing(ref)
	}
	var store ports.CounterStore
	switch connCfg.Kind {
	case "memory":
		store = memory.NewCounterStore()
	case "dynamodb":
		client, err := p.ddbClient(ctx, ref, connCfg)
		if err != nil {
			return nil, err
		}
		store = ddbstore.NewCounterStore(client, connCfg.TablePrefix, p.logger)
	default:
		return nil, cerrors.NewValidationf("unknown db connection kind %q", connCfg.Kind)
	}
	p.counters[ref] = store
	return store, nil
}

func (p *Pool) ddbClient(ctx context.Context, ref string, connCfg config.DBConnection) (*awsdynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(connCfg.Region))
	if err != nil {
		return nil, cerrors.NewStorage("loading AWS config for "+ref, err)
	}
	return awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
		if connCfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(connCfg.Endpoint)
		}
	}), nil
}

func (p *Pool) openDocStore(ctx context.Context, ref string, connCfg config.DBConnection) (ports.DocumentStore, error) {
	switch connCfg.Kind {
	case "memory":
		return memory.NewDocumentStore(), nil
	case "dynamodb":
		client, err := p.ddbClient(ctx, ref, connCfg)
		if err != nil {
			return nil, err
		}
		useTx := p.cfg.Transactions.Enabled || p.cfg.Transactions.AutoDetect
		p.logger.Info("Opened document store connection",
			zap.String("ref", ref),
			zap.String("kind", connCfg.Kind),
			zap.Bool("transactions", useTx),
		)
		return ddbstore.NewStore(client, connCfg.TablePrefix, useTx, p.logger), nil
	default:
		return nil, cerrors.NewValidationf("unknown db connection kind %q", connCfg.Kind)
	}
}

func (p *Pool) openObjectStore(ctx context.Context, ref string, connCfg config.SpaceConnection) (ports.ObjectStore, error) {
	switch connCfg.Kind {
	case "memory":
		return memory.NewObjectStore(), nil
	case "fs":
		return localfs.NewStore(connCfg.BasePath, p.logger)
	case "s3":
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(connCfg.Region)}
		if connCfg.AccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(connCfg.AccessKey, connCfg.SecretKey, ""),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, cerrors.NewStorage("loading AWS config for "+ref, err)
		}
		client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
			if connCfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(connCfg.Endpoint)
			}
			o.UsePathStyle = connCfg.ForcePathStyle
		})
		p.logger.Info("Opened object store connection",
			zap.String("ref", ref),
			zap.String("kind", connCfg.Kind),
		)
		return s3store.NewStore(client, p.logger), nil
	default:
		return nil, cerrors.NewValidationf("unknown spaces connection kind %q", connCfg.Kind)
	}
}

// Shutdown closes the pool. Outstanding borrow counts are logged; adapters
// over the AWS SDK hold no closable resources of their own.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for ref, conn := range p.docs {
		p.logger.Debug("Closing document store connection", zap.String("ref", ref), zap.Int64("borrows", conn.uses))
	}
	for ref, conn := range p.spaces {
		p.logger.Debug("Closing object store connection", zap.String("ref", ref), zap.Int64("borrows", conn.uses))
	}
	p.docs = map[string]*pooledConn[ports.DocumentStore]{}
	p.spaces = map[string]*pooledConn[ports.ObjectStore]{}
	p.fallbacks = map[string]ports.FallbackStore{}
	p.counters = map[string]ports.CounterStore{}
	return nil
}
