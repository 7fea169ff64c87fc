package gossip

import (
	"sync"
	"time"

	"github.com/meshpay/meshpay/src/dag"
	"github.com/sirupsen/logrus"
)

// Source is the gossiper's view of the local block store.
type Source interface {
	// Epoch is the current committee epoch, stamped on outgoing requests.
	Epoch() uint64

	// KnownRounds maps each committee author to the highest round for which
	// a block is held locally.
	KnownRounds() map[uint32]uint64

	// BlocksSince returns blocks above the given per-author rounds, oldest
	// first, capped at limit.
	BlocksSince(known map[uint32]uint64, limit int) []*dag.Block

	// BlocksByDigest returns the locally-held blocks among the requested
	// digests.
	BlocksByDigest(digests []string) []*dag.Block
}

// Ingester consumes blocks received from gossip partners.
type Ingester interface {
	// IngestBlocks feeds received blocks into validation. Blocks with
	// missing parents are buffered, not rejected.
	IngestBlocks(blocks []*dag.Block) error

	// WantList returns the digests of missing parents blocking buffered
	// blocks.
	WantList() []string
}

// Gossiper runs the periodic anti-entropy exchange: pull what a partner has
// and we lack, push what we have and the partner lacks, then fetch missing
// parents by digest. Partners that fail are retried with bounded exponential
// backoff so a mesh neighbour going out of range does not burn the radio.
type Gossiper struct {
	selfID    uint32
	transport Transport
	selector  Selector
	source    Source
	ingester  Ingester
	fanOut    int
	syncLimit int
	logger    *logrus.Entry

	backoffMtx sync.Mutex
	backoffs   map[uint32]*partnerBackoff
}

type partnerBackoff struct {
	failures int
	until    time.Time
}

const (
	gossipBackoffBase = 200 * time.Millisecond
	gossipBackoffMax  = 10 * time.Second
)

// NewGossiper creates a Gossiper.
func NewGossiper(
	selfID uint32,
	transport Transport,
	selector Selector,
	source Source,
	ingester Ingester,
	fanOut int,
	syncLimit int,
	logger *logrus.Entry,
) *Gossiper {
	if fanOut < 1 {
		fanOut = 1
	}
	return &Gossiper{
		selfID:    selfID,
		transport: transport,
		selector:  selector,
		source:    source,
		ingester:  ingester,
		fanOut:    fanOut,
		syncLimit: syncLimit,
		backoffs:  make(map[uint32]*partnerBackoff),
		logger:    logger.WithField("component", "gossiper"),
	}
}

// Round performs one round of gossip against up to fanOut partners. It
// returns the number of partners successfully exchanged with, and the number
// of failed exchanges.
func (g *Gossiper) Round() (exchanged int, failed int) {
	tried := make(map[uint32]bool)

	for attempts := 0; exchanged < g.fanOut && attempts < 2*g.fanOut; attempts++ {
		partner := g.selector.Next()
		if partner == nil {
			break
		}
		if tried[partner.ID()] {
			continue
		}
		tried[partner.ID()] = true

		if g.inBackoff(partner.ID()) {
			continue
		}

		if err := g.exchange(partner.NetAddr); err != nil {
			g.recordFailure(partner.ID())
			g.logger.WithFields(logrus.Fields{
				"partner": partner.Moniker,
				"error":   err,
			}).Debug("Gossip exchange failed")
			failed++
			continue
		}

		g.clearBackoff(partner.ID())
		g.selector.UpdateLast(partner.ID())
		exchanged++
	}

	return exchanged, failed
}

// exchange runs the pull-then-push sequence against one partner.
func (g *Gossiper) exchange(netAddr string) error {
	known := g.source.KnownRounds()

	//pull
	syncReq := &SyncRequest{
		FromID:    g.selfID,
		Epoch:     g.source.Epoch(),
		Known:     known,
		SyncLimit: g.syncLimit,
	}
	var syncResp SyncResponse
	if err := g.transport.Sync(netAddr, syncReq, &syncResp); err != nil {
		return err
	}

	if len(syncResp.Blocks) > 0 {
		if err := g.ingester.IngestBlocks(syncResp.Blocks); err != nil {
			return err
		}
	}

	//push what the partner lacks
	missing := g.source.BlocksSince(syncResp.Known, g.syncLimit)
	if len(missing) > 0 {
		pushReq := &PushRequest{
			FromID: g.selfID,
			Blocks: missing,
		}
		var pushResp PushResponse
		if err := g.transport.Push(netAddr, pushReq, &pushResp); err != nil {
			return err
		}
	}

	//fetch missing parents by digest
	want := g.ingester.WantList()
	if len(want) > 0 {
		pullReq := &PullRequest{
			FromID:  g.selfID,
			Digests: want,
		}
		var pullResp PullResponse
		if err := g.transport.Pull(netAddr, pullReq, &pullResp); err != nil {
			return err
		}
		if len(pullResp.Blocks) > 0 {
			if err := g.ingester.IngestBlocks(pullResp.Blocks); err != nil {
				return err
			}
		}
	}

	return nil
}

func (g *Gossiper) inBackoff(partnerID uint32) bool {
	g.backoffMtx.Lock()
	defer g.backoffMtx.Unlock()

	b, ok := g.backoffs[partnerID]
	return ok && time.Now().Before(b.until)
}

func (g *Gossiper) recordFailure(partnerID uint32) {
	g.backoffMtx.Lock()
	defer g.backoffMtx.Unlock()

	b, ok := g.backoffs[partnerID]
	if !ok {
		b = &partnerBackoff{}
		g.backoffs[partnerID] = b
	}

	b.failures++
	delay := gossipBackoffBase << uint(b.failures-1)
	if delay > gossipBackoffMax {
		delay = gossipBackoffMax
	}
	b.until = time.Now().Add(delay)
}

func (g *Gossiper) clearBackoff(partnerID uint32) {
	g.backoffMtx.Lock()
	defer g.backoffMtx.Unlock()
	delete(g.backoffs, partnerID)
}
