package viewer

import (
	"context"
	"fmt"
	"time"

	"github.com/pathscope/slidepilot/runtime/mcp"
)

// DefaultMoveDuration is used for animated moves when the request leaves the
// duration unset.
const DefaultMoveDuration = 300 * time.Millisecond

type (
	// Point is one polygon vertex in slide coordinates, marshalled as the
	// two-element [x, y] array the wire expects.
	Point [2]float64

	// Rect is an axis-aligned bounding box in slide coordinates.
	Rect struct {
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}

	// Viewport is the viewer's camera state: the slide-space point at the
	// center of the window and the zoom factor.
	Viewport struct {
		X    float64 `json:"x"`
		Y    float64 `json:"y"`
		Zoom float64 `json:"zoom"`
	}

	// Slide describes the loaded whole-slide image. Viewport is nil when the
	// viewer did not include camera state in its answer.
	Slide struct {
		Path     string    `json:"path"`
		Width    int       `json:"width"`
		Height   int       `json:"height"`
		Levels   int       `json:"levels"`
		Viewport *Viewport `json:"viewport"`
	}

	// MoveRequest targets an animated camera move.
	MoveRequest struct {
		CenterX float64
		CenterY float64
		Zoom    float64
		// Duration of the animation. Defaults to DefaultMoveDuration.
		Duration time.Duration
	}

	// MoveState is one status probe of an animated move identified by its
	// token.
	MoveState struct {
		Completed bool    `json:"completed"`
		Aborted   bool    `json:"aborted"`
		Position  Point   `json:"position"`
		Zoom      float64 `json:"zoom"`
	}

	// Snapshot is the metadata of a captured viewport image.
	Snapshot struct {
		URL    string `json:"url"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	}

	// Annotation is a region-of-interest polygon the viewer tracks, with the
	// measurements it computed for the enclosed region. Vertices is only
	// populated by single-annotation reads.
	Annotation struct {
		ID          int            `json:"id"`
		Name        string         `json:"name"`
		VertexCount int            `json:"vertex_count"`
		BoundingBox Rect           `json:"bounding_box"`
		Area        float64        `json:"area"`
		CellCounts  map[string]int `json:"cell_counts"`
		Vertices    []Point        `json:"vertices,omitempty"`
	}

	// RegionMetrics are measurements for an arbitrary polygon, computed
	// without creating an annotation.
	RegionMetrics struct {
		BoundingBox Rect           `json:"bounding_box"`
		Area        float64        `json:"area"`
		Perimeter   float64        `json:"perimeter"`
		CellCounts  map[string]int `json:"cell_counts"`
	}

	// Card summarizes a progress card the viewer renders.
	Card struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Status string `json:"status"`
	}

	// CardRequest creates a progress card.
	CardRequest struct {
		Title     string
		Summary   string
		Reasoning string
		Owner     string
	}

	// CardUpdate mutates card fields; empty fields are left untouched.
	CardUpdate struct {
		Status    string
		Summary   string
		Reasoning string
	}
)

// Progress card statuses.
const (
	CardStatusPending    = "pending"
	CardStatusInProgress = "in_progress"
	CardStatusCompleted  = "completed"
	CardStatusFailed     = "failed"
)

// Progress card log levels.
const (
	CardLogInfo    = "info"
	CardLogSuccess = "success"
	CardLogWarning = "warning"
	CardLogError   = "error"
)

// LoadSlide loads a whole-slide image by path and returns its metadata.
func (c *Client) LoadSlide(ctx context.Context, path string) (Slide, error) {
	var slide Slide
	err := c.call(ctx, "load_slide", map[string]any{"path": path}, &slide)
	return slide, err
}

// SlideInfo returns the currently loaded slide's metadata, including camera
// state.
func (c *Client) SlideInfo(ctx context.Context) (Slide, error) {
	var slide Slide
	err := c.call(ctx, "get_slide_info", nil, &slide)
	return slide, err
}

// Pan shifts the viewport by a delta in slide coordinates.
func (c *Client) Pan(ctx context.Context, dx, dy float64) (Viewport, error) {
	var vp Viewport
	err := c.call(ctx, "pan", map[string]any{"dx": dx, "dy": dy}, &vp)
	return vp, err
}

// CenterOn centers the viewport on a slide-space point.
func (c *Client) CenterOn(ctx context.Context, x, y float64) (Viewport, error) {
	var vp Viewport
	err := c.call(ctx, "center_on", map[string]any{"x": x, "y": y}, &vp)
	return vp, err
}

// Zoom scales the viewport by a factor; above one zooms in.
func (c *Client) Zoom(ctx context.Context, delta float64) (Viewport, error) {
	var vp Viewport
	err := c.call(ctx, "zoom", map[string]any{"delta": delta}, &vp)
	return vp, err
}

// ZoomAtPoint zooms while keeping a screen point fixed.
func (c *Client) ZoomAtPoint(ctx context.Context, screenX, screenY, delta float64) (Viewport, error) {
	var vp Viewport
	err := c.call(ctx, "zoom_at_point", map[string]any{
		"screen_x": screenX,
		"screen_y": screenY,
		"delta":    delta,
	}, &vp)
	return vp, err
}

// ResetView fits the whole slide into the window.
func (c *Client) ResetView(ctx context.Context) (Viewport, error) {
	var vp Viewport
	err := c.call(ctx, "reset_view", nil, &vp)
	return vp, err
}

// MoveCamera starts an animated move and returns the token that tracks its
// completion.
func (c *Client) MoveCamera(ctx context.Context, req MoveRequest) (string, error) {
	duration := req.Duration
	if duration <= 0 {
		duration = DefaultMoveDuration
	}
	var result struct {
		Token string `json:"token"`
	}
	err := c.call(ctx, "move_camera", map[string]any{
		"center_x":    req.CenterX,
		"center_y":    req.CenterY,
		"zoom":        req.Zoom,
		"duration_ms": int(duration / time.Millisecond),
	}, &result)
	if err != nil {
		return "", err
	}
	if result.Token == "" {
		return "", &mcp.ProtocolError{Reason: "move_camera returned no token"}
	}
	return result.Token, nil
}

// MoveStatus probes an animated move once. Callers that need to block until
// completion use AwaitMove instead.
func (c *Client) MoveStatus(ctx context.Context, token string) (MoveState, error) {
	var state MoveState
	err := c.call(ctx, "await_move", map[string]any{"token": token}, &state)
	return state, err
}

// CaptureSnapshot renders the current viewport to an image. Zero dimensions
// leave the size to the viewer.
func (c *Client) CaptureSnapshot(ctx context.Context, width, height int) (Snapshot, error) {
	args := map[string]any{}
	if width > 0 {
		args["width"] = width
	}
	if height > 0 {
		args["height"] = height
	}
	var snap Snapshot
	err := c.call(ctx, "capture_snapshot", args, &snap)
	return snap, err
}

// CreateAnnotation creates a polygon annotation from the given vertices.
func (c *Client) CreateAnnotation(ctx context.Context, vertices []Point, name string) (Annotation, error) {
	args := map[string]any{"vertices": vertices}
	if name != "" {
		args["name"] = name
	}
	var ann Annotation
	err := c.call(ctx, "create_annotation", args, &ann)
	return ann, err
}

// ListAnnotations returns all annotations on the loaded slide.
func (c *Client) ListAnnotations(ctx context.Context, includeMetrics bool) ([]Annotation, error) {
	var result struct {
		Annotations []Annotation `json:"annotations"`
	}
	err := c.call(ctx, "list_annotations", map[string]any{"include_metrics": includeMetrics}, &result)
	return result.Annotations, err
}

// Annotation returns one annotation with its full vertex list.
func (c *Client) Annotation(ctx context.Context, id int) (Annotation, error) {
	var ann Annotation
	err := c.call(ctx, "get_annotation", map[string]any{"id": id}, &ann)
	return ann, err
}

// DeleteAnnotation removes an annotation by id.
func (c *Client) DeleteAnnotation(ctx context.Context, id int) error {
	var result struct {
		Success bool `json:"success"`
	}
	if err := c.call(ctx, "delete_annotation", map[string]any{"id": id}, &result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("annotation %d was not deleted", id)
	}
	return nil
}

// ComputeRegionMetrics measures a polygon without creating an annotation.
func (c *Client) ComputeRegionMetrics(ctx context.Context, vertices []Point) (RegionMetrics, error) {
	var metrics RegionMetrics
	err := c.call(ctx, "compute_roi_metrics", map[string]any{"vertices": vertices}, &metrics)
	return metrics, err
}

// CreateCard creates a progress card and returns its id.
func (c *Client) CreateCard(ctx context.Context, req CardRequest) (string, error) {
	args := map[string]any{"title": req.Title}
	if req.Summary != "" {
		args["summary"] = req.Summary
	}
	if req.Reasoning != "" {
		args["reasoning"] = req.Reasoning
	}
	if req.Owner != "" {
		args["owner_uuid"] = req.Owner
	}
	var result struct {
		ID string `json:"id"`
	}
	err := c.call(ctx, "create_action_card", args, &result)
	return result.ID, err
}

// UpdateCard applies the non-empty fields of upd to a card.
func (c *Client) UpdateCard(ctx context.Context, id string, upd CardUpdate) error {
	args := map[string]any{"card_id": id}
	if upd.Status != "" {
		args["status"] = upd.Status
	}
	if upd.Summary != "" {
		args["summary"] = upd.Summary
	}
	if upd.Reasoning != "" {
		args["reasoning"] = upd.Reasoning
	}
	return c.call(ctx, "update_action_card", args, nil)
}

// AppendCardLog appends one log line to a card. An empty level defaults to
// info.
func (c *Client) AppendCardLog(ctx context.Context, id, message, level string) error {
	if level == "" {
		level = CardLogInfo
	}
	return c.call(ctx, "append_action_card_log", map[string]any{
		"card_id": id,
		"message": message,
		"level":   level,
	}, nil)
}

// ListCards returns all progress cards the viewer tracks.
func (c *Client) ListCards(ctx context.Context) ([]Card, error) {
	var result struct {
		Cards []Card `json:"cards"`
	}
	err := c.call(ctx, "list_action_cards", nil, &result)
	return result.Cards, err
}

// DeleteCard removes a progress card by id.
func (c *Client) DeleteCard(ctx context.Context, id string) error {
	return c.call(ctx, "delete_action_card", map[string]any{"card_id": id}, nil)
}
