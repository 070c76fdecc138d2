package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"

	"github.com/nostrmeet/nostrmeet/internal/checkin"
	apperrors "github.com/nostrmeet/nostrmeet/internal/errors"
	"github.com/nostrmeet/nostrmeet/internal/geo"
	"github.com/nostrmeet/nostrmeet/internal/identity"
	"github.com/nostrmeet/nostrmeet/internal/logging"
	"github.com/nostrmeet/nostrmeet/internal/topics"
)

const defaultLogLimit = 100

type pointRequest struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func (p pointRequest) point() (orb.Point, bool) {
	if p.Lat == nil || p.Lng == nil {
		return orb.Point{}, false
	}
	return orb.Point{*p.Lng, *p.Lat}, true
}

type publishRequest struct {
	pointRequest
	Name     string        `json:"name"`
	Place    string        `json:"place"`
	Note     string        `json:"note"`
	Topics   topics.Intent `json:"topics"`
	Personas []string      `json:"personas"`
	// Date is YYYY-MM-DD; empty means today.
	Date  string `json:"date"`
	Start string `json:"start"`
	End   string `json:"end"`
}

type scanRequest struct {
	Topics   topics.Intent `json:"topics"`
	Personas []string      `json:"personas"`
}

type relayRequest struct {
	URL string `json:"url"`
}

type checkInView struct {
	checkin.CheckIn
	Active         bool     `json:"active"`
	DistanceMeters *float64 `json:"distance_m,omitempty"`
}

// writeError maps AppErrors to their status and everything else to 500.
func writeError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		status := appErr.HTTPStatusCode
		if status == 0 {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"error": appErr})
		return
	}
	log.WithError(err).Error("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": err.Error()}})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": msg}})
}

// intentFrom merges the selected personas and overlays explicit topics.
func (s *Server) intentFrom(explicit topics.Intent, personas []string) topics.Intent {
	in := s.catalog.Merge(personas...)
	for _, e := range explicit.Entries() {
		in = in.With(e.Topic, e.Stance)
	}
	return in
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"relays":   len(s.svc.Relays()),
		"checkins": s.svc.Store().Len(),
		"cell":     s.svc.LastSubscribedCell(),
		"inflight": s.conns.Count(),
	})
}

func (s *Server) handleViewport(c *gin.Context) {
	var req pointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	center, ok := req.point()
	if !ok {
		badRequest(c, "lat and lng are required")
		return
	}
	issued, err := s.svc.OnViewportChange(center)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"resubscribed": issued,
		"cell":         s.svc.LastSubscribedCell(),
	})
}

func (s *Server) handleListCheckIns(c *gin.Context) {
	now := s.now()
	activeOnly := c.Query("active") == "true"

	var origin *orb.Point
	if latStr, lngStr := c.Query("lat"), c.Query("lng"); latStr != "" || lngStr != "" {
		lat, errLat := strconv.ParseFloat(latStr, 64)
		lng, errLng := strconv.ParseFloat(lngStr, 64)
		if errLat != nil || errLng != nil {
			badRequest(c, "lat and lng must be numbers")
			return
		}
		origin = &orb.Point{lng, lat}
	}

	all := s.svc.Store().All()
	out := make([]checkInView, 0, len(all))
	for _, ci := range all {
		active := ci.Active(now)
		if activeOnly && !active {
			continue
		}
		v := checkInView{CheckIn: ci, Active: active}
		if origin != nil {
			d := geo.DistanceMeters(*origin, ci.Location)
			v.DistanceMeters = &d
		}
		out = append(out, v)
	}
	if origin != nil {
		sort.SliceStable(out, func(i, j int) bool { return *out[i].DistanceMeters < *out[j].DistanceMeters })
	}
	c.JSON(http.StatusOK, gin.H{"checkins": out})
}

func (s *Server) handlePublish(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	loc, ok := req.point()
	if !ok {
		badRequest(c, "lat and lng are required")
		return
	}

	now := s.now()
	var start, end time.Time
	switch {
	case req.Start == "" && req.End == "":
		start, end = checkin.DefaultWindow(now)
	case req.Start == "" || req.End == "":
		writeError(c, apperrors.New(apperrors.CodeInvalidDraft, "start and end go together", nil))
		return
	default:
		day := now
		if strings.TrimSpace(req.Date) != "" {
			d, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(req.Date), now.Location())
			if err != nil {
				writeError(c, apperrors.New(apperrors.CodeInvalidDraft, "date must be YYYY-MM-DD", err))
				return
			}
			day = d
		}
		var err error
		if start, end, err = checkin.Window(day, req.Start, req.End); err != nil {
			writeError(c, err)
			return
		}
	}

	draft := checkin.Draft{
		Location: loc,
		Name:     req.Name,
		Place:    req.Place,
		Note:     req.Note,
		Topics:   s.intentFrom(req.Topics, req.Personas),
		Start:    start,
		End:      end,
	}
	ci, res, err := s.svc.Publish(c.Request.Context(), draft)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"checkin": ci, "relay": res.Relay, "message": res.Message})
}

func (s *Server) handleScan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	local := s.intentFrom(req.Topics, req.Personas)
	results := s.svc.Scan(local)
	snap, _ := s.svc.LastScan()
	c.JSON(http.StatusOK, gin.H{"intent": local, "results": results, "at": snap.At})
}

func (s *Server) handleLastScan(c *gin.Context) {
	snap, ok := s.svc.LastScan()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "no scan yet"}})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleClearScan(c *gin.Context) {
	s.svc.ClearScan()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListRelays(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"relays": s.svc.Relays()})
}

func (s *Server) handleAddRelay(c *gin.Context) {
	var req relayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	if err := s.svc.AddRelay(req.URL); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"relays": s.svc.Relays()})
}

func (s *Server) handleRemoveRelay(c *gin.Context) {
	u := strings.TrimSpace(c.Query("url"))
	if u == "" {
		badRequest(c, "missing url")
		return
	}
	if !s.svc.RemoveRelay(strings.TrimRight(u, "/")) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "relay not configured"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"relays": s.svc.Relays()})
}

func (s *Server) handlePersonas(c *gin.Context) {
	c.JSON(http.StatusOK, s.catalog)
}

func (s *Server) handleIdentity(c *gin.Context) {
	pub := s.svc.PublicKey()
	if pub == "" {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	npub, err := identity.NPub(pub)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authenticated": true, "pubkey": pub, "npub": npub})
}

func (s *Server) handleLogs(c *gin.Context) {
	limit := defaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	logging.SkipGinRequestLogging(c)
	c.JSON(http.StatusOK, gin.H{"entries": logging.GlobalBuffer.Recent(limit)})
}

func (s *Server) handleReset(c *gin.Context) {
	if err := s.svc.Reset(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
