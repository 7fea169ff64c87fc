package node

import (
	"fmt"

	"github.com/meshpay/meshpay/src/gossip"
	"github.com/sirupsen/logrus"
)

func (n *Node) processRPC(rpc gossip.RPC) {
	switch cmd := rpc.Command.(type) {
	case *gossip.SyncRequest:
		n.processSyncRequest(rpc, cmd)
	case *gossip.PushRequest:
		n.processPushRequest(rpc, cmd)
	case *gossip.PullRequest:
		n.processPullRequest(rpc, cmd)
	case *gossip.TransferRequest:
		n.processTransferRequest(rpc, cmd)
	case *gossip.CertificateRequest:
		n.processCertificateRequest(rpc, cmd)
	case *gossip.ClusterCertRequest:
		n.processClusterCertRequest(rpc, cmd)
	default:
		n.logger.WithField("cmd", rpc.Command).Error("Unexpected RPC command")
		rpc.Respond(nil, fmt.Errorf("unexpected command"))
	}
}

func (n *Node) processSyncRequest(rpc gossip.RPC, cmd *gossip.SyncRequest) {
	n.logger.WithFields(logrus.Fields{
		"from_id": cmd.FromID,
	}).Debug("process SyncRequest")

	resp := &gossip.SyncResponse{
		FromID: n.signer.ID(),
	}

	n.coreLock.Lock()
	resp.Blocks = n.core.BlocksSince(cmd.Known, cmd.SyncLimit)
	resp.Known = n.core.KnownRounds()
	n.coreLock.Unlock()

	n.logger.WithFields(logrus.Fields{
		"blocks": len(resp.Blocks),
	}).Debug("Responding to SyncRequest")

	rpc.Respond(resp, nil)
}

func (n *Node) processPushRequest(rpc gossip.RPC, cmd *gossip.PushRequest) {
	n.logger.WithFields(logrus.Fields{
		"from_id": cmd.FromID,
		"blocks":  len(cmd.Blocks),
	}).Debug("process PushRequest")

	success := true

	n.coreLock.Lock()
	err := n.core.InsertBlocks(cmd.Blocks)
	n.coreLock.Unlock()

	if err != nil {
		n.logger.WithError(err).Error("InsertBlocks()")
		success = false
	}

	resp := &gossip.PushResponse{
		FromID:  n.signer.ID(),
		Success: success,
	}

	rpc.Respond(resp, err)
}

func (n *Node) processPullRequest(rpc gossip.RPC, cmd *gossip.PullRequest) {
	n.logger.WithFields(logrus.Fields{
		"from_id": cmd.FromID,
		"digests": len(cmd.Digests),
	}).Debug("process PullRequest")

	resp := &gossip.PullResponse{
		FromID: n.signer.ID(),
	}

	n.coreLock.Lock()
	resp.Blocks = n.core.BlocksByDigest(cmd.Digests)
	n.coreLock.Unlock()

	rpc.Respond(resp, nil)
}

func (n *Node) processTransferRequest(rpc gossip.RPC, cmd *gossip.TransferRequest) {
	n.logger.WithFields(logrus.Fields{
		"order": cmd.Order.Hex(),
		"class": cmd.Class.String(),
	}).Debug("process TransferRequest")

	//The authority serialises per account internally; the core lock is not
	//involved, so payment traffic never waits on consensus.
	vote, rejection := n.authority.HandleTransfer(cmd.Order)

	resp := &gossip.TransferResponse{
		FromID:    n.signer.ID(),
		Vote:      vote,
		Rejection: rejection,
	}

	rpc.Respond(resp, nil)
}

func (n *Node) processCertificateRequest(rpc gossip.RPC, cmd *gossip.CertificateRequest) {
	n.logger.WithFields(logrus.Fields{
		"order": cmd.Cert.Hex(),
		"class": cmd.Class.String(),
	}).Debug("process CertificateRequest")

	receipt, rejection := n.authority.HandleCertificate(cmd.Cert)

	//an applied certificate's digest rides into the next self block, giving
	//it a place in the total order
	if receipt != nil && receipt.Applied {
		n.coreLock.Lock()
		n.core.NoteCertificate(cmd.Cert)
		n.coreLock.Unlock()
	}

	resp := &gossip.CertificateResponse{
		FromID:    n.signer.ID(),
		Receipt:   receipt,
		Rejection: rejection,
	}

	rpc.Respond(resp, nil)
}

func (n *Node) processClusterCertRequest(rpc gossip.RPC, cmd *gossip.ClusterCertRequest) {
	n.logger.WithFields(logrus.Fields{
		"from_id":      cmd.FromID,
		"epoch":        cmd.Epoch,
		"certificates": len(cmd.Certificates),
	}).Debug("process ClusterCertRequest")

	var respErr error

	n.coreLock.Lock()
	for _, cert := range cmd.Certificates {
		if err := n.core.MergeClusterCertificate(cert); err != nil {
			respErr = err
		}
	}
	certs := n.core.ClusterCertificates(cmd.Epoch)
	n.coreLock.Unlock()

	resp := &gossip.ClusterCertResponse{
		FromID:       n.signer.ID(),
		Certificates: certs,
	}

	rpc.Respond(resp, respErr)
}
