package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/pageengine/models"
	"github.com/use-agent/pageengine/priority"
	"github.com/use-agent/pageengine/scheduler"
	"github.com/use-agent/pageengine/snapshot"
)

// startNavigationRequest is the JSON body for POST /navigate.
type startNavigationRequest struct {
	URL  string `json:"url" binding:"required"`
	Kind string `json:"kind"` // "navigate" (default), "reload", "back_forward"
}

// StartNavigation exposes scheduler.Scheduler.StartNavigation over HTTP.
func StartNavigation(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req startNavigationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		kind := models.NavNavigate
		switch req.Kind {
		case "", string(models.NavNavigate):
			kind = models.NavNavigate
		case string(models.NavReload):
			kind = models.NavReload
		case string(models.NavBackForward):
			kind = models.NavBackForward
		default:
			badRequest(c, "unknown navigation kind: "+req.Kind)
			return
		}

		epoch, err := s.StartNavigation(req.URL, kind)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": models.ErrorDetail{
				Code: models.ErrCodeNetworkPermanent, Message: err.Error(), URL: req.URL,
			}})
			return
		}
		c.JSON(http.StatusOK, gin.H{"epoch": epoch})
	}
}

// Stop exposes scheduler.Scheduler.Stop.
func Stop(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"stopped": s.Stop()})
	}
}

// discoverRequest is the JSON body for POST /discover.
type discoverRequest struct {
	URL            string `json:"url" binding:"required"`
	Kind           string `json:"kind" binding:"required"`
	InHead         bool   `json:"in_head"`
	MainThreadBlocking bool `json:"main_thread_blocking"`
	ParserInserted bool   `json:"parser_inserted"`
	UsedBeforeFirstPaint bool `json:"used_before_first_paint"`
	PreloadAs      string `json:"preload_as"`
	InViewport     bool   `json:"in_viewport"`
	Lazy           bool   `json:"lazy"`
	EstimatedBytes int64  `json:"estimated_bytes"`
	Speculative    bool   `json:"speculative"`
	ParentURL      string `json:"parent_url"`
}

// Discover exposes scheduler.Scheduler.Discover, the control-plane entry
// point a DomBuilder/LayoutSolver integration uses to feed discovered
// subresources into the catalog.
func Discover(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req discoverRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		kind := models.ResourceKind(req.Kind)
		hint := scheduler.DiscoverHint{
			Parent: priority.ParentContext{
				InHead:               req.InHead,
				MainThreadBlocking:   req.MainThreadBlocking,
				ParserInserted:       req.ParserInserted,
				UsedBeforeFirstPaint: req.UsedBeforeFirstPaint,
				PreloadAs:            req.PreloadAs,
			},
			Hints: priority.Hints{
				InViewport: req.InViewport,
				Lazy:       req.Lazy,
			},
			EstimatedBytes: req.EstimatedBytes,
			Speculative:    req.Speculative,
			ParentURL:      req.ParentURL,
		}

		if err := s.Discover(req.URL, kind, hint); err != nil {
			badRequest(c, err.Error())
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
	}
}

// updateNetworkRequest is the JSON body for POST /network.
type updateNetworkRequest struct {
	DownlinkMbps     float64 `json:"downlink_mbps"`
	RTTMs            float64 `json:"rtt_ms"`
	JitterMs         float64 `json:"jitter_ms"`
	Loss             float64 `json:"loss"`
	SaveData         bool    `json:"save_data"`
	BatteryLevel     float64 `json:"battery_level"`
	Charging         bool    `json:"charging"`
	DevicePixelRatio float64 `json:"device_pixel_ratio"`
	ViewportW        int     `json:"viewport_w"`
	ViewportH        int     `json:"viewport_h"`
}

// UpdateNetwork exposes scheduler.Scheduler.UpdateNetwork.
func UpdateNetwork(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateNetworkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		s.UpdateNetwork(models.NetworkContext{
			DownlinkMbps:     req.DownlinkMbps,
			RTTMs:            req.RTTMs,
			JitterMs:         req.JitterMs,
			Loss:             req.Loss,
			SaveData:         req.SaveData,
			BatteryLevel:     req.BatteryLevel,
			Charging:         req.Charging,
			DevicePixelRatio: req.DevicePixelRatio,
			ViewportW:        req.ViewportW,
			ViewportH:        req.ViewportH,
		})
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
	}
}

// hoverClickRequest is the JSON body for POST /hover and POST /click.
type hoverClickRequest struct {
	URL string `json:"url" binding:"required"`
}

// Hover exposes scheduler.Scheduler.OnHover.
func Hover(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req hoverClickRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		s.OnHover(req.URL)
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
	}
}

// Click exposes scheduler.Scheduler.OnClick.
func Click(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req hoverClickRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		s.OnClick(req.URL)
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
	}
}

// updateStateRequest is the JSON body for POST /state.
type updateStateRequest struct {
	Scroll      [2]float64        `json:"scroll"`
	Form        map[string]string `json:"form"`
	Selected    []string          `json:"selected"`
	ScriptState []byte            `json:"script_state"`
}

// UpdateState exposes scheduler.Scheduler.SetUserState, letting an embedder
// report scroll/form/selection state so back-forward restore has something
// to restore.
func UpdateState(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateStateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		s.SetUserState(req.Scroll, req.Form, req.Selected, req.ScriptState)
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
	}
}

// Snapshot exposes scheduler.Scheduler.Snapshot in the versioned persisted
// JSON layout, so the response can be stored and fed back through the
// snapshot codec later.
func Snapshot(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := snapshot.Marshal(s.Snapshot())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": models.ErrorDetail{
				Code: models.ErrCodeIncompatibleSnapshot, Message: err.Error(),
			}})
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", data)
	}
}

// Hints exposes scheduler.Scheduler.Hints: the current tick's capped
// preload/preconnect/prefetch/dns-prefetch batch.
func Hints(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"hints": s.Hints()})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": models.ErrorDetail{
		Code: models.ErrCodeBadRequest, Message: msg,
	}})
}
