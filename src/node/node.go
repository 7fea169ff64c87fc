package node

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/meshpay/meshpay/src/committee"
	"github.com/meshpay/meshpay/src/dag"
	"github.com/meshpay/meshpay/src/fastpay"
	"github.com/meshpay/meshpay/src/gossip"
	"github.com/sirupsen/logrus"
)

// Node ties a committee member together: the DAG core, the payment authority,
// and the gossip transport.
type Node struct {
	state

	conf   *Config
	logger *logrus.Entry

	signer *Signer

	core     *Core
	coreLock sync.Mutex

	authority *fastpay.Authority

	trans    gossip.Transport
	netCh    <-chan gossip.RPC
	selector gossip.Selector
	gossiper *gossip.Gossiper

	sigintCh   chan os.Signal
	shutdownCh chan struct{}

	controlTimer *ControlTimer

	start        time.Time
	syncRequests int
	syncErrors   int
}

// NewNode is a factory method that returns a Node instance.
func NewNode(conf *Config,
	signer *Signer,
	c *committee.Committee,
	store dag.Store,
	ledger fastpay.Ledger,
	trans gossip.Transport,
) *Node {
	//Prepare sigintCh to relay SIGINT system calls
	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt, syscall.SIGINT)

	logger := conf.Logger.WithField("this_id", signer.ID())

	authority := fastpay.NewAuthority(signer.ID(), signer.Key, c, ledger, logger)

	node := Node{
		signer:       signer,
		conf:         conf,
		logger:       logger,
		core:         NewCore(signer, c, store, authority, conf.Logger),
		authority:    authority,
		trans:        trans,
		netCh:        trans.Consumer(),
		selector:     gossip.NewRandomSelector(c, signer.ID()),
		sigintCh:     sigintCh,
		shutdownCh:   make(chan struct{}),
		controlTimer: NewRandomControlTimer(),
		start:        time.Now(),
	}

	//The gossiper drives the anti-entropy exchanges. It reads and writes the
	//core through a bridge that takes the core lock.
	bridge := &coreBridge{node: &node}
	node.gossiper = gossip.NewGossiper(
		signer.ID(),
		trans,
		node.selector,
		bridge,
		bridge,
		conf.FanOut,
		conf.SyncLimit,
		logger,
	)

	return &node
}

// coreBridge exposes the core to the gossiper behind the core lock.
type coreBridge struct {
	node *Node
}

func (b *coreBridge) Epoch() uint64 {
	b.node.coreLock.Lock()
	defer b.node.coreLock.Unlock()
	return b.node.core.Committee().Epoch
}

func (b *coreBridge) KnownRounds() map[uint32]uint64 {
	b.node.coreLock.Lock()
	defer b.node.coreLock.Unlock()
	return b.node.core.KnownRounds()
}

func (b *coreBridge) BlocksSince(known map[uint32]uint64, limit int) []*dag.Block {
	b.node.coreLock.Lock()
	defer b.node.coreLock.Unlock()
	return b.node.core.BlocksSince(known, limit)
}

func (b *coreBridge) BlocksByDigest(digests []string) []*dag.Block {
	b.node.coreLock.Lock()
	defer b.node.coreLock.Unlock()
	return b.node.core.BlocksByDigest(digests)
}

func (b *coreBridge) IngestBlocks(blocks []*dag.Block) error {
	b.node.coreLock.Lock()
	defer b.node.coreLock.Unlock()
	return b.node.core.InsertBlocks(blocks)
}

func (b *coreBridge) WantList() []string {
	b.node.coreLock.Lock()
	defer b.node.coreLock.Unlock()
	return b.node.core.WantList()
}

// Init initialises the node.
func (n *Node) Init() error {
	if n.core.store.NeedBootstrap() {
		n.logger.Debug("Bootstrap")

		n.coreLock.Lock()
		err := n.core.Bootstrap()
		n.coreLock.Unlock()

		if err != nil {
			return err
		}
	}

	if _, ok := n.core.Committee().ByID[n.signer.ID()]; !ok {
		return fmt.Errorf("node %d does not belong to the committee", n.signer.ID())
	}

	if n.conf.Suspended {
		n.setState(Suspended)
	} else {
		n.setState(Gossiping)
	}

	return nil
}

// RunAsync calls Run in a separate goroutine.
func (n *Node) RunAsync(gossip bool) {
	n.logger.WithField("gossip", gossip).Debug("runasync")

	go n.Run(gossip)
}

// Run invokes the main loop of the node.
func (n *Node) Run(gossip bool) {
	//Serve inbound RPCs
	go n.trans.Listen()

	//The ControlTimer allows the background routines to control the gossip
	//timer. The timer should only be running when there is something to
	//gossip about.
	go n.controlTimer.Run(n.conf.HeartbeatTimeout)

	//Execute some background work regardless of the state of the node.
	go n.doBackgroundWork()

	//Execute Node State Machine
	for {
		state := n.getState()

		n.logger.WithField("state", state.String()).Debug("Run loop")

		switch state {
		case Gossiping:
			n.gossiping(gossip)
		case Suspended:
			n.suspended()
		case Shutdown:
			return
		}
	}
}

func (n *Node) resetTimer() {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	if !n.controlTimer.set {
		ts := n.conf.HeartbeatTimeout

		//Slow gossip if nothing interesting to say
		if !n.core.Busy() {
			ts = n.conf.SlowHeartbeatTimeout
		}

		n.controlTimer.resetCh <- ts
	}
}

func (n *Node) doBackgroundWork() {
	for {
		select {
		case rpc := <-n.netCh:
			n.goFunc(func() {
				n.logger.Debug("Processing RPC")
				n.processRPC(rpc)
				n.resetTimer()
			})
		case <-n.shutdownCh:
			return
		case <-n.sigintCh:
			n.logger.Debug("Reacting to SIGINT - SHUTDOWN")
			n.Shutdown()
			os.Exit(0)
		}
	}
}

// gossiping processes incoming RPC requests and periodically initiates gossip
// while there is something to gossip about.
func (n *Node) gossiping(gossip bool) {
	n.logger.Debug("GOSSIPING")

	for {
		select {
		case <-n.controlTimer.tickCh:
			if gossip {
				n.coreLock.Lock()
				_, err := n.core.ProduceBlock()
				n.coreLock.Unlock()
				if err != nil {
					n.logger.WithError(err).Error("ProduceBlock()")
				}

				n.goFunc(n.gossipRound)

				n.shareClusterCertificates()
			}
			n.resetTimer()
		case <-n.shutdownCh:
			return
		}
	}
}

// suspended waits for an external state change. Payment and read RPCs keep
// being served by the background routine.
func (n *Node) suspended() {
	n.logger.Debug("SUSPENDED")

	for {
		select {
		case <-n.controlTimer.tickCh:
			if n.getState() != Suspended {
				return
			}
			n.resetTimer()
		case <-n.shutdownCh:
			return
		}
	}
}

// gossipRound runs one round of anti-entropy exchanges.
func (n *Node) gossipRound() {
	exchanged, failed := n.gossiper.Round()

	n.syncRequests += exchanged + failed
	n.syncErrors += failed

	if exchanged > 0 {
		n.logStats()
	}
}

// pickPartners selects up to FanOut distinct gossip partners.
func (n *Node) pickPartners() []*committee.Authority {
	partners := []*committee.Authority{}
	seen := make(map[uint32]bool)

	for attempts := 0; len(partners) < n.conf.FanOut && attempts < 2*n.conf.FanOut; attempts++ {
		partner := n.selector.Next()
		if partner == nil {
			break
		}
		if seen[partner.ID()] {
			continue
		}
		seen[partner.ID()] = true
		partners = append(partners, partner)
	}

	return partners
}

// shareClusterCertificates exchanges cluster certificates with every
// committee member while a partition view is installed. The exchange is what
// eventually assembles the global certificate on both sides of a healed
// partition.
func (n *Node) shareClusterCertificates() {
	n.coreLock.Lock()
	cluster := n.core.Cluster()
	n.coreLock.Unlock()

	if cluster == nil {
		return
	}

	n.coreLock.Lock()
	_, err := n.core.BuildClusterCertificate()
	epoch := n.core.Committee().Epoch
	certs := n.core.ClusterCertificates(epoch)
	n.coreLock.Unlock()

	if err != nil {
		n.logger.WithError(err).Debug("BuildClusterCertificate()")
		return
	}

	args := gossip.ClusterCertRequest{
		FromID:       n.signer.ID(),
		Epoch:        epoch,
		Certificates: certs,
	}

	for _, partner := range n.pickPartners() {
		var resp gossip.ClusterCertResponse
		if err := n.trans.ClusterCerts(partner.NetAddr, &args, &resp); err != nil {
			continue
		}

		n.coreLock.Lock()
		for _, received := range resp.Certificates {
			if err := n.core.MergeClusterCertificate(received); err != nil {
				n.logger.WithError(err).Debug("MergeClusterCertificate()")
			}
		}
		n.coreLock.Unlock()
	}
}

// SetCluster installs or clears a partition view.
func (n *Node) SetCluster(memberIDs []uint32) {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	if memberIDs == nil {
		n.core.SetCluster(nil)
		return
	}
	n.core.SetCluster(committee.NewCluster(n.core.Committee(), memberIDs))
}

// Suspend pauses gossip without shutting down.
func (n *Node) Suspend() {
	if n.getState() == Gossiping {
		n.setState(Suspended)
	}
}

// Resume restarts gossip on a suspended node.
func (n *Node) Resume() {
	if n.getState() == Suspended {
		n.setState(Gossiping)
	}
}

// Shutdown shuts the node down.
func (n *Node) Shutdown() {
	if n.getState() != Shutdown {
		n.logger.Debug("Shutdown")

		//Exit any non-shutdown state immediately
		n.setState(Shutdown)

		//Stop and wait for concurrent operations
		close(n.shutdownCh)

		n.waitRoutines()

		n.controlTimer.Shutdown()

		//transport and stores should only be closed once all concurrent
		//operations are finished, otherwise they will panic trying to use
		//closed objects
		n.trans.Close()

		n.core.store.Close()
		n.authority.Ledger().Close()
	}
}

// ID returns the node's committee ID.
func (n *Node) ID() uint32 {
	return n.signer.ID()
}

// Authority exposes the payment authority, for the HTTP service.
func (n *Node) Authority() *fastpay.Authority {
	return n.authority
}

// GetCommittee returns the current committee.
func (n *Node) GetCommittee() *committee.Committee {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.core.Committee()
}

// GetBlock returns a block by digest.
func (n *Node) GetBlock(hex string) (*dag.Block, error) {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.core.store.GetBlock(hex)
}

// GetClusterCertificates returns the stored cluster certificates for an
// epoch.
func (n *Node) GetClusterCertificates(epoch uint64) []*dag.ClusterCertificate {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.core.ClusterCertificates(epoch)
}

// GetStats returns stats.
func (n *Node) GetStats() map[string]string {
	n.coreLock.Lock()
	lastRound := n.core.LastRound()
	committed := n.core.CommittedCount()
	pending := n.core.PendingCount()
	height := n.core.Height()
	numAuthorities := len(n.core.Committee().Authorities)
	epoch := n.core.Committee().Epoch
	n.coreLock.Unlock()

	timeElapsed := time.Since(n.start)
	committedPerSecond := float64(committed) / timeElapsed.Seconds()

	s := map[string]string{
		"last_round":        strconv.FormatUint(lastRound, 10),
		"committed_blocks":  strconv.Itoa(committed),
		"committed_height":  strconv.FormatUint(height, 10),
		"pending_blocks":    strconv.Itoa(pending),
		"epoch":             strconv.FormatUint(epoch, 10),
		"num_authorities":   strconv.Itoa(numAuthorities),
		"sync_rate":         strconv.FormatFloat(n.SyncRate(), 'f', 2, 64),
		"commits_per_second": strconv.FormatFloat(committedPerSecond, 'f', 2, 64),
		"id":                fmt.Sprint(n.signer.ID()),
		"state":             n.getState().String(),
		"moniker":           n.signer.Moniker,
	}
	return s
}

func (n *Node) logStats() {
	stats := n.GetStats()

	n.logger.WithFields(logrus.Fields{
		"last_round":       stats["last_round"],
		"committed_blocks": stats["committed_blocks"],
		"pending_blocks":   stats["pending_blocks"],
		"epoch":            stats["epoch"],
		"sync_rate":        stats["sync_rate"],
		"state":            stats["state"],
	}).Debug("Stats")
}

// SyncRate returns the fraction of gossip exchanges that succeeded.
func (n *Node) SyncRate() float64 {
	var syncErrorRate float64

	if n.syncRequests != 0 {
		syncErrorRate = float64(n.syncErrors) / float64(n.syncRequests)
	}

	return 1 - syncErrorRate
}
