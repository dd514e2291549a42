package nodeapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"talker-node/internal/core/network"
	"talker-node/internal/graph"
	"talker-node/internal/msgs"
	"talker-node/internal/node"
)

// Server exposes a node and its view of the graph over HTTP.
type Server struct {
	node   *node.Node
	graph  *graph.Manager
	pubsub network.PubSub
}

func NewServer(n *node.Node, g *graph.Manager, ps network.PubSub) *Server {
	return &Server{node: n, graph: g, pubsub: ps}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/node", s.handleNode)
	mux.HandleFunc("/api/node/publications", s.handlePublications)
	mux.HandleFunc("/api/node/subscriptions", s.handleSubscriptions)
	mux.HandleFunc("/api/node/shutdown", s.handleShutdown)
	mux.HandleFunc("/api/graph/nodes", s.handleGraphNodes)
	mux.HandleFunc("/api/graph/topics", s.handleGraphTopics)
	mux.HandleFunc("/api/peers", s.handlePeers)
	mux.HandleFunc("/api/topic/stream", s.handleTopicStream)
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":           s.node.QualifiedName(),
		"namespace":      s.node.Namespace(),
		"run_id":         s.node.RunID(),
		"peer_id":        network.PeerID(s.pubsub),
		"pid":            os.Getpid(),
		"initialized":    s.node.Initialized(),
		"ok":             s.node.OK(),
		"shutdown_cause": s.node.ShutdownReason(),
		"params":         s.node.Params(),
	})
}

func (s *Server) handlePublications(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"publications": s.node.Publications()})
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": s.node.Subscriptions()})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Reason == "" {
		req.Reason = "shutdown requested over api"
	}
	s.node.RequestShutdown(req.Reason)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "reason": s.node.ShutdownReason()})
}

func (s *Server) handleGraphNodes(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": s.graph.Nodes()})
}

func (s *Server) handleGraphTopics(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": s.graph.Topics()})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	lister, ok := s.pubsub.(network.PeerLister)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"peers": []string{}, "addrs": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": lister.ConnectedPeers(), "addrs": lister.ListenAddrs()})
}

func (s *Server) handleTopicStream(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	topic, err := s.node.Resolve(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	ch, cancel, err := s.pubsub.Subscribe(topic)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.node.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			msg, err := msgs.DecodeString(raw.Payload)
			if err != nil {
				continue
			}
			b, _ := json.Marshal(map[string]any{"topic": topic, "from": raw.From, "type": msgs.StringType, "data": msg.Data})
			if _, err := w.Write([]byte("event: message\ndata: " + string(b) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return false
	}
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}
