// Package api exposes the node's command surface over HTTP
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/VetheonGames/BoxPeer/pkg/content"
	"github.com/VetheonGames/BoxPeer/pkg/identity"
	bpeer "github.com/VetheonGames/BoxPeer/pkg/peer"
	"github.com/VetheonGames/BoxPeer/pkg/types"
)

// Server serves the HTTP command surface of a running node
type Server struct {
	net      Network
	dist     Distributor
	content  *content.Manager
	sessions *identity.SessionStore
	router   *mux.Router
	logger   *zap.Logger

	mu     sync.Mutex
	http   *http.Server
	closed bool
}

// NewServer creates the command server. sessions may be nil, in which case
// listen addresses are not persisted.
func NewServer(net Network, dist Distributor, mgr *content.Manager, sessions *identity.SessionStore, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		net:      net,
		dist:     dist,
		content:  mgr,
		sessions: sessions,
		router:   mux.NewRouter(),
		logger:   logger.Named("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Basic health check
	s.router.HandleFunc("/ping", s.handlePing).Methods("GET")

	// Peer management
	s.router.HandleFunc("/listen", s.handleListen).Methods("POST")
	s.router.HandleFunc("/peers", s.handlePeers).Methods("GET")
	s.router.HandleFunc("/peers/available", s.handleAvailablePeers).Methods("GET")
	s.router.HandleFunc("/peers/detail", s.handlePeerDetails).Methods("GET")
	s.router.HandleFunc("/peers/dial", s.handleDial).Methods("POST")
	s.router.HandleFunc("/peers/{id}", s.handlePeerDetail).Methods("GET")
	s.router.HandleFunc("/address", s.handleAddress).Methods("GET")
	s.router.HandleFunc("/nodes", s.handleNodes).Methods("GET")

	// Content operations
	s.router.HandleFunc("/content/provide", s.handleProvide).Methods("POST")
	s.router.HandleFunc("/content/provide", s.handleSubscriptions).Methods("GET")
	s.router.HandleFunc("/content/provide/{id}", s.handleStopProvide).Methods("DELETE")
	s.router.HandleFunc("/content/lock", s.handleLock).Methods("POST")
	s.router.HandleFunc("/content/unlock", s.handleUnlock).Methods("POST")
	s.router.HandleFunc("/content/locked", s.handleLocked).Methods("GET")
	s.router.HandleFunc("/content/provided", s.handleProvided).Methods("GET")
	s.router.HandleFunc("/content/{hash}/chunks", s.handleChunks).Methods("GET")
	s.router.HandleFunc("/content/{hash}", s.handleGetFile).Methods("GET")
	s.router.HandleFunc("/cache", s.handleCache).Methods("GET")
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until Shutdown
func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.http = srv
	s.mu.Unlock()

	s.logger.Info("starting api server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully. A server that has not started yet
// will not start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.http
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

// writeError maps error kinds onto HTTP status codes
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrInvalidContentHash), errors.Is(err, types.ErrInvalidChunkID):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrNoPeers):
		status = http.StatusConflict
	case errors.Is(err, types.ErrIntegrity), errors.Is(err, types.ErrTransport):
		status = http.StatusBadGateway
	case errors.Is(err, types.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Warn("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func peerStrings(ids []peer.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	var req ListenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "Invalid request body")
		return
	}
	addr, err := ma.NewMultiaddr(req.Addr)
	if err != nil {
		s.badRequest(w, fmt.Sprintf("invalid multiaddr: %v", err))
		return
	}

	id, err := s.net.StartListening(r.Context(), addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.recordListenAddr(r.Context(), addr)
	s.writeJSON(w, http.StatusOK, ListenResponse{PeerID: id})
}

// recordListenAddr stores the address the node actually bound in the session
func (s *Server) recordListenAddr(ctx context.Context, requested ma.Multiaddr) {
	if s.sessions == nil {
		return
	}
	addr := requested
	if actual, err := s.net.GetActualListeningAddress(ctx); err == nil {
		addr = actual
	}
	if err := s.sessions.SetListeningAddr(ctx, addr.String()); err != nil {
		s.logger.Warn("failed to record listening address", zap.Stringer("addr", addr), zap.Error(err))
	}
}

func toPeerDetail(info bpeer.PeerInfo) PeerDetail {
	addrs := make([]string, len(info.Addrs))
	for i, a := range info.Addrs {
		addrs[i] = a.String()
	}
	return PeerDetail{
		PeerID:    info.ID.String(),
		Addrs:     addrs,
		State:     info.State.String(),
		Conns:     info.Conns,
		FirstSeen: info.FirstSeen,
		LastSeen:  info.LastSeen,
	}
}

func (s *Server) handlePeerDetails(w http.ResponseWriter, r *http.Request) {
	infos, err := s.net.PeerDetails(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	details := make([]PeerDetail, len(infos))
	for i, info := range infos {
		details[i] = toPeerDetail(info)
	}
	sort.Slice(details, func(i, j int) bool { return details[i].PeerID < details[j].PeerID })
	s.writeJSON(w, http.StatusOK, details)
}

func (s *Server) handlePeerDetail(w http.ResponseWriter, r *http.Request) {
	id, err := peer.Decode(mux.Vars(r)["id"])
	if err != nil {
		s.badRequest(w, fmt.Sprintf("invalid peer id: %v", err))
		return
	}
	info, err := s.net.PeerDetail(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toPeerDetail(info))
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.net.GetPeers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, PeersResponse{Peers: peerStrings(peers)})
}

func (s *Server) handleAvailablePeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.net.GetAvailablePeers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, PeersResponse{Peers: peerStrings(peers)})
}

func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req DialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "Invalid request body")
		return
	}
	addr, err := ma.NewMultiaddr(req.Addr)
	if err != nil {
		s.badRequest(w, fmt.Sprintf("invalid multiaddr: %v", err))
		return
	}

	id, err := peer.Decode(req.PeerID)
	if err != nil {
		// accept a full /p2p address without a separate peer id
		info, infoErr := peer.AddrInfoFromP2pAddr(addr)
		if req.PeerID != "" || infoErr != nil {
			s.badRequest(w, fmt.Sprintf("invalid peer id: %v", err))
			return
		}
		id = info.ID
	}

	if err := s.net.Dial(r.Context(), id, addr); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := s.net.GetActualListeningAddress(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, AddressResponse{PeerID: s.net.LocalPeer().String(), Addr: addr.String()})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.content.KnownNodes(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleProvide(w http.ResponseWriter, r *http.Request) {
	var req ProvideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "Invalid request body")
		return
	}
	if req.Path == "" {
		s.badRequest(w, "path is required")
		return
	}

	sub, err := s.dist.ProvideFile(r.Context(), req.Path, req.ContentHash, req.FileName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ProvideResponse{
		SubscriptionID: sub.ID.String(),
		ContentHash:    sub.ContentHash,
		Chunks:         sub.Chunks,
	})
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dist.Subscriptions())
}

func (s *Server) handleStopProvide(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.badRequest(w, "invalid subscription id")
		return
	}
	if err := s.dist.StopServing(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]

	var (
		data []byte
		err  error
	)
	if r.URL.Query().Get("chunked") == "true" {
		data, err = s.dist.GetChunkedFile(r.Context(), hash)
	} else {
		data, err = s.dist.GetFile(r.Context(), hash)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("failed to write content", zap.Error(err))
	}
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "Invalid request body")
		return
	}
	if req.PeerID == "" {
		req.PeerID = s.net.LocalPeer().String()
	}
	if err := s.content.LockChunk(r.Context(), req.ContentHash, req.ChunkIndex, req.ChunkSize, req.PeerID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "Invalid request body")
		return
	}
	if req.PeerID == "" {
		req.PeerID = s.net.LocalPeer().String()
	}
	if err := s.content.UnlockContent(r.Context(), req.ContentHash, req.PeerID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLocked(w http.ResponseWriter, r *http.Request) {
	if p := r.URL.Query().Get("peer"); p != "" {
		hashes, err := s.content.LockedContentByPeer(r.Context(), p)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, hashes)
		return
	}

	locks, err := s.content.AllLockedContent(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, locks)
}

func (s *Server) handleProvided(w http.ResponseWriter, r *http.Request) {
	if p := r.URL.Query().Get("peer"); p != "" {
		hashes, err := s.content.ProvidedContentByPeer(r.Context(), p)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, hashes)
		return
	}

	provided, err := s.content.AllProvidedContent(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, provided)
}

func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	hash, err := types.NormalizeContentHash(mux.Vars(r)["hash"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	chunks, err := s.content.ChunksForContent(r.Context(), hash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, chunks)
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	chunks, err := s.content.ListCachedChunks()
	if err != nil {
		s.writeError(w, err)
		return
	}
	usage, err := s.content.CacheUsage()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, CacheResponse{Chunks: chunks, Bytes: usage})
}
