package etcd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcdv3 "go.etcd.io/etcd/client/v3"
	"gonum.org/v1/gonum/floats"

	"github.com/hupe1980/vqgo/collective"
)

const (
	// DefaultPrefix namespaces rendezvous keys when no prefix is configured.
	DefaultPrefix = "/vqgo/collective"

	// DefaultDialTimeout bounds the initial connection, retries included.
	DefaultDialTimeout = 10 * time.Second

	// DefaultOpTimeout bounds a single etcd request inside a collective
	// call. The rendezvous wait itself runs on the caller's context.
	DefaultOpTimeout = 5 * time.Second
)

// ErrProtocol reports rendezvous state no well-behaved worker set produces,
// such as stray keys or payloads of the wrong size.
var ErrProtocol = errors.New("collective: etcd rendezvous protocol violation")

// Options configures a Communicator.
type Options struct {
	// Prefix namespaces all rendezvous keys. Jobs sharing a cluster must
	// not share a prefix.
	Prefix string

	// DialTimeout bounds the initial connection attempt.
	DialTimeout time.Duration

	// OpTimeout bounds each individual etcd request. Zero disables the
	// per-request bound.
	OpTimeout time.Duration
}

// Communicator implements collective.Communicator on top of etcd.
type Communicator struct {
	client    *etcdv3.Client
	prefix    string
	rank      int
	worldSize int
	opTimeout time.Duration
	seq       uint64
}

var _ collective.Communicator = (*Communicator)(nil)

// New dials the cluster and returns a communicator for one rank of a
// worldSize-worker job. The dial is retried with exponential backoff until
// DialTimeout runs out.
func New(endpoints []string, rank, worldSize int, optFns ...func(o *Options)) (*Communicator, error) {
	opts := Options{
		Prefix:      DefaultPrefix,
		DialTimeout: DefaultDialTimeout,
		OpTimeout:   DefaultOpTimeout,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if len(endpoints) == 0 {
		return nil, errors.New("collective: no etcd endpoints")
	}
	if worldSize < 1 {
		return nil, fmt.Errorf("collective: world size must be at least 1, got %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("collective: rank %d outside [0, %d)", rank, worldSize)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()

	var client *etcdv3.Client
	dial := func() error {
		c, err := etcdv3.New(etcdv3.Config{
			Endpoints:   endpoints,
			DialTimeout: opts.DialTimeout,
		})
		if err != nil {
			return err
		}
		// clientv3.New connects lazily, so probe one endpoint to make the
		// retry loop meaningful.
		if _, err := c.Status(ctx, endpoints[0]); err != nil {
			_ = c.Close()
			return err
		}
		client = c
		return nil
	}
	if err := backoff.Retry(dial, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		return nil, fmt.Errorf("collective: dial etcd: %w", err)
	}

	return &Communicator{
		client:    client,
		prefix:    strings.TrimRight(opts.Prefix, "/"),
		rank:      rank,
		worldSize: worldSize,
		opTimeout: opts.OpTimeout,
	}, nil
}

// Close releases the etcd connection. Keys of the last two rounds may
// outlive the communicator.
func (c *Communicator) Close() error {
	return c.client.Close()
}

// Rank implements collective.Communicator.
func (c *Communicator) Rank() int {
	return c.rank
}

// WorldSize implements collective.Communicator.
func (c *Communicator) WorldSize() int {
	return c.worldSize
}

// Barrier implements collective.Communicator.
func (c *Communicator) Barrier(ctx context.Context) error {
	_, err := c.exchange(ctx, nil)
	return err
}

// AllReduceSum implements collective.Communicator. Summation runs in rank
// order on every worker, so all replicas see bit-identical results.
func (c *Communicator) AllReduceSum(ctx context.Context, vals []float64) error {
	payloads, err := c.exchange(ctx, encodeFloat64s(vals))
	if err != nil {
		return err
	}

	for i := range vals {
		vals[i] = 0
	}
	for rank, payload := range payloads {
		got, err := decodeFloat64s(payload)
		if err != nil {
			return fmt.Errorf("%w: rank %d: %s", ErrProtocol, rank, err)
		}
		if len(got) != len(vals) {
			return fmt.Errorf("%w: rank %d sent %d values, want %d", ErrProtocol, rank, len(got), len(vals))
		}
		floats.Add(vals, got)
	}
	return nil
}

// Broadcast implements collective.Communicator. Only the root rank's
// payload carries data; every other rank announces itself with an empty
// one.
func (c *Communicator) Broadcast(ctx context.Context, vals []float32, root int) error {
	if root < 0 || root >= c.worldSize {
		return fmt.Errorf("collective: root %d outside [0, %d)", root, c.worldSize)
	}

	var payload []byte
	if c.rank == root {
		payload = encodeFloat32s(vals)
	}
	payloads, err := c.exchange(ctx, payload)
	if err != nil {
		return err
	}

	got, err := decodeFloat32s(payloads[root])
	if err != nil {
		return fmt.Errorf("%w: root %d: %s", ErrProtocol, root, err)
	}
	if len(got) != len(vals) {
		return fmt.Errorf("%w: root %d sent %d values, want %d", ErrProtocol, root, len(got), len(vals))
	}
	copy(vals, got)
	return nil
}

// exchange runs one rendezvous round: publish this rank's payload, wait
// until every rank has published, return all payloads indexed by rank.
func (c *Communicator) exchange(ctx context.Context, payload []byte) ([][]byte, error) {
	seq := c.seq
	c.seq++

	roundPrefix := fmt.Sprintf("%s/round/%d/", c.prefix, seq)

	if err := c.put(ctx, roundPrefix+strconv.Itoa(c.rank), payload); err != nil {
		return nil, fmt.Errorf("collective: announce rank %d in round %d: %w", c.rank, seq, err)
	}

	for {
		resp, err := c.get(ctx, roundPrefix)
		if err != nil {
			return nil, fmt.Errorf("collective: poll round %d: %w", seq, err)
		}

		if len(resp.Kvs) >= c.worldSize {
			payloads, err := collectPayloads(resp.Kvs, roundPrefix, c.worldSize)
			if err != nil {
				return nil, fmt.Errorf("round %d: %w", seq, err)
			}
			if c.rank == 0 && seq >= 2 {
				// Every rank in this round has long left round seq-2, so
				// its keys cannot be read again.
				dctx, cancel := c.opCtx(ctx)
				_, _ = c.client.Delete(dctx, fmt.Sprintf("%s/round/%d/", c.prefix, seq-2), etcdv3.WithPrefix())
				cancel()
			}
			return payloads, nil
		}

		if err := c.await(ctx, roundPrefix, resp.Header.Revision+1); err != nil {
			return nil, fmt.Errorf("collective: wait for round %d: %w", seq, err)
		}
	}
}

func (c *Communicator) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opTimeout)
}

func (c *Communicator) put(ctx context.Context, key string, val []byte) error {
	octx, cancel := c.opCtx(ctx)
	defer cancel()

	_, err := c.client.Put(octx, key, string(val))
	return err
}

func (c *Communicator) get(ctx context.Context, prefix string) (*etcdv3.GetResponse, error) {
	octx, cancel := c.opCtx(ctx)
	defer cancel()

	return c.client.Get(octx, prefix, etcdv3.WithPrefix())
}

// await blocks until a key under prefix changes past rev or ctx ends.
func (c *Communicator) await(ctx context.Context, prefix string, rev int64) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wch := c.client.Watch(wctx, prefix, etcdv3.WithPrefix(), etcdv3.WithRev(rev))
	select {
	case wresp, ok := <-wch:
		if !ok {
			return ctx.Err()
		}
		if err := wresp.Err(); err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func collectPayloads(kvs []*mvccpb.KeyValue, roundPrefix string, worldSize int) ([][]byte, error) {
	payloads := make([][]byte, worldSize)
	seen := make([]bool, worldSize)
	for _, kv := range kvs {
		rank, err := strconv.Atoi(strings.TrimPrefix(string(kv.Key), roundPrefix))
		if err != nil {
			return nil, fmt.Errorf("%w: stray key %q", ErrProtocol, kv.Key)
		}
		if rank < 0 || rank >= worldSize {
			return nil, fmt.Errorf("%w: rank %d outside world of %d", ErrProtocol, rank, worldSize)
		}
		if seen[rank] {
			return nil, fmt.Errorf("%w: duplicate key for rank %d", ErrProtocol, rank)
		}
		seen[rank] = true
		payloads[rank] = append([]byte(nil), kv.Value...)
	}
	for rank, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("%w: missing payload for rank %d", ErrProtocol, rank)
		}
	}
	return payloads, nil
}

func encodeFloat64s(vals []float64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeFloat64s(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("payload of %d bytes is not a float64 vector", len(buf))
	}

	vals := make([]float64, len(buf)/8)
	for i := range vals {
		vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return vals, nil
}

func encodeFloat32s(vals []float32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeFloat32s(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("payload of %d bytes is not a float32 vector", len(buf))
	}

	vals := make([]float32, len(buf)/4)
	for i := range vals {
		vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vals, nil
}
