package gossip

import (
	"github.com/meshpay/meshpay/src/fastpay"
)

// TransportSender adapts a Transport to the payment client's Sender
// interface. Payment traffic travels with the FastPay-BCB class so relays
// forward it ahead of block dissemination.
type TransportSender struct {
	transport Transport
}

// NewTransportSender creates a TransportSender.
func NewTransportSender(transport Transport) *TransportSender {
	return &TransportSender{transport: transport}
}

// SendTransfer implements the fastpay.Sender interface.
func (ts *TransportSender) SendTransfer(netAddr string, order *fastpay.TransferOrder) (*fastpay.Vote, *fastpay.Rejection, error) {
	args := &TransferRequest{
		Class: ClassFastPayBCB,
		Order: order,
	}

	var resp TransferResponse
	if err := ts.transport.Transfer(netAddr, args, &resp); err != nil {
		return nil, nil, err
	}

	return resp.Vote, resp.Rejection, nil
}

// SendCertificate implements the fastpay.Sender interface.
func (ts *TransportSender) SendCertificate(netAddr string, cert *fastpay.TransferCertificate) (*fastpay.Receipt, *fastpay.Rejection, error) {
	args := &CertificateRequest{
		Class: ClassFastPayBCB,
		Cert:  cert,
	}

	var resp CertificateResponse
	if err := ts.transport.Certificate(netAddr, args, &resp); err != nil {
		return nil, nil, err
	}

	return resp.Receipt, resp.Rejection, nil
}
