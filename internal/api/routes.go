package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/gpgrelay/internal/connectivity"
	"github.com/energizer-project/gpgrelay/internal/util"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	redacted            = "********"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStatus returns the relay server, its active session and the
// connectivity classification.
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"relay":         s.deps.Relay.Status(c.Request.Context()),
		"connectivity":  s.deps.Probe.State(),
		"probe_running": s.deps.Probe.Running(),
	})
}

func (s *Server) handlePeers(c *gin.Context) {
	peers := s.deps.Relay.Peers()
	c.JSON(http.StatusOK, gin.H{
		"peers": peers,
		"total": len(peers),
	})
}

// handleConnectivity returns the current classification and, with storage
// enabled, the recent results.
func (s *Server) handleConnectivity(c *gin.Context) {
	resp := gin.H{
		"current": s.deps.Probe.State(),
		"running": s.deps.Probe.Running(),
	}
	if s.deps.History != nil {
		history, err := s.deps.History.Connectivity(queryLimit(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp["history"] = history
	}
	c.JSON(http.StatusOK, resp)
}

// handleProbe forgets the classification and probes again in the
// background. Refused while a game session holds the port.
func (s *Server) handleProbe(c *gin.Context) {
	if _, active := s.deps.Relay.Active(); active {
		c.JSON(http.StatusConflict, gin.H{"error": "a game session is active"})
		return
	}
	if s.deps.Probe.Running() {
		c.JSON(http.StatusConflict, gin.H{"error": "probe already running"})
		return
	}

	s.deps.Probe.Reset()
	s.probes.Add(1)
	go func() {
		defer s.probes.Done()
		_, err := s.deps.Probe.Run(s.ctx)
		if err != nil && !errors.Is(err, connectivity.ErrBlocked) && !errors.Is(err, context.Canceled) {
			s.logger.Warn().Err(err).Msg("probe requested over API failed")
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"message": "probe started"})
}

func (s *Server) handleSessions(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session history is disabled"})
		return
	}
	sessions, err := s.deps.History.Sessions(queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (s *Server) handlePeerDrops(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session history is disabled"})
		return
	}
	drops, err := s.deps.History.PeerDrops(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": c.Param("id"),
		"drops":      drops,
	})
}

// handleSystem returns host and process resource usage.
func (s *Server) handleSystem(c *gin.Context) {
	resp := gin.H{"system": util.GetSystemInfo()}

	if cpu, err := util.GetCPUUsage(); err == nil {
		resp["cpu_percent"] = cpu
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = mem
	}
	if proc, err := util.GetProcessUsage(); err == nil {
		resp["process"] = proc
	}
	c.JSON(http.StatusOK, resp)
}

// handleConfig returns the effective configuration with secrets masked.
func (s *Server) handleConfig(c *gin.Context) {
	cfg := s.deps.Config
	if cfg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no configuration"})
		return
	}

	identity := cfg.GetIdentity()
	if identity.Session != "" {
		identity.Session = redacted
	}
	turn := cfg.GetTurn()
	if turn.Password != "" {
		turn.Password = redacted
	}

	c.JSON(http.StatusOK, gin.H{
		"identity": identity,
		"relay":    cfg.GetRelay(),
		"lobby":    cfg.GetLobby(),
		"turn":     turn,
		"probe":    cfg.GetProbe(),
		"portmap":  cfg.GetPortMap(),
		"mqtt":     cfg.GetMQTT(),
		"storage":  cfg.GetStorage(),
	})
}

func queryLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return defaultHistoryLimit
	}
	if n > maxHistoryLimit {
		return maxHistoryLimit
	}
	return n
}
