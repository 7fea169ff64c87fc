package service

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/meshpay/meshpay/src/node"
	"github.com/sirupsen/logrus"
)

// Service exposes a read-only HTTP API over a running node: consensus stats,
// blocks, the committee, accounts, and certificate history.
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
}

// NewService creates a Service and registers its handlers.
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux of
// the http package. It is possible that another server in the same process is
// simultaneously using the DefaultServerMux. In which case, the handlers will
// be accessible from both servers.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/block/", s.makeHandler(s.GetBlock))
	http.HandleFunc("/committee", s.makeHandler(s.GetCommittee))
	http.HandleFunc("/account/", s.makeHandler(s.GetAccount))
	http.HandleFunc("/certificates/", s.makeHandler(s.GetCertificates))
	http.HandleFunc("/clustercerts/", s.makeHandler(s.GetClusterCerts))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call. It is not necessary to
// call Serve when another server has already been started with the
// DefaultServerMux and the same address:port combination.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving API")

	// Use the DefaultServerMux
	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats returns the node's operational counters.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.node.GetStats()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

// GetBlock returns a block by content digest.
func (s *Service) GetBlock(w http.ResponseWriter, r *http.Request) {
	param := r.URL.Path[len("/block/"):]

	block, err := s.node.GetBlock(param)
	if err != nil {
		s.logger.WithError(err).Errorf("Retrieving block %s", param)

		http.Error(w, err.Error(), http.StatusNotFound)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(block)
}

// GetCommittee returns the current committee.
func (s *Service) GetCommittee(w http.ResponseWriter, r *http.Request) {
	c := s.node.GetCommittee()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(c.Authorities)
}

// GetAccount returns the state of one account, or all accounts when no ID is
// given.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	param := r.URL.Path[len("/account/"):]

	ledger := s.node.Authority().Ledger()

	w.Header().Set("Content-Type", "application/json")

	if param == "" {
		accounts, err := ledger.Accounts()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(accounts)
		return
	}

	account, err := ledger.GetAccount(param)
	if err != nil {
		s.logger.WithError(err).Errorf("Retrieving account %s", param)

		http.Error(w, err.Error(), http.StatusNotFound)

		return
	}

	json.NewEncoder(w).Encode(account)
}

// GetCertificates returns the executed transfer certificates in which the
// account appears as sender or recipient.
func (s *Service) GetCertificates(w http.ResponseWriter, r *http.Request) {
	param := r.URL.Path[len("/certificates/"):]

	certs, err := s.node.Authority().Ledger().CertificatesByAccount(param)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(certs)
}

// GetClusterCerts returns the stored cluster certificates for an epoch.
func (s *Service) GetClusterCerts(w http.ResponseWriter, r *http.Request) {
	param := r.URL.Path[len("/clustercerts/"):]

	epoch, err := strconv.ParseUint(param, 10, 64)
	if err != nil {
		s.logger.WithError(err).Errorf("Parsing epoch parameter %s", param)

		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	certs := s.node.GetClusterCertificates(epoch)

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(certs)
}
