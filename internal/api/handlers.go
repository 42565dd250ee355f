// Package api wires up the Gin HTTP router for litecored: document CRUD on
// collections, replicator control/status, and the /sync WebSocket endpoint
// that serves incoming (passive) replications.
package api

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"sync"

	"litecore/internal/blipws"
	"litecore/internal/checkpoint"
	"litecore/internal/docstore"
	"litecore/internal/liteerr"
	"litecore/internal/peer"
	"litecore/internal/replicator"

	"github.com/gin-gonic/gin"
)

// Handler holds all dependencies injected from main.
type Handler struct {
	colls     map[string]*docstore.Collection
	peerStore *checkpoint.PeerStore
	identity  peer.Identity
	wireID    peer.ID

	mu          sync.Mutex
	replicators map[string]*replicator.Replicator
	nextReplID  int
	passives    []*replicator.Passive

	newReplicator func(replicator.Options) (*replicator.Replicator, error)
}

// NewHandler creates a Handler over the given collections.
func NewHandler(colls []*docstore.Collection, peerStore *checkpoint.PeerStore, identity peer.Identity, wireID peer.ID) *Handler {
	h := &Handler{
		colls:         make(map[string]*docstore.Collection, len(colls)),
		peerStore:     peerStore,
		identity:      identity,
		wireID:        wireID,
		replicators:   make(map[string]*replicator.Replicator),
		newReplicator: replicator.New,
	}
	for _, c := range colls {
		h.colls[c.Scope+"/"+c.Name] = c
	}
	return h
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	db := r.Group("/db/:scope/:coll")
	db.GET("/docs/:docID", h.GetDoc)
	db.PUT("/docs/:docID", h.PutDoc)
	db.DELETE("/docs/:docID", h.DeleteDoc)
	db.GET("/docs/:docID/history", h.DocHistory)
	db.POST("/purge/:docID", h.PurgeDoc)

	repl := r.Group("/replicators")
	repl.POST("", h.StartReplicator)
	repl.GET("", h.ListReplicators)
	repl.GET("/:id", h.ReplicatorStatus)
	repl.POST("/:id/stop", h.StopReplicator)

	r.GET("/sync", h.Sync)
}

func (h *Handler) collection(c *gin.Context) *docstore.Collection {
	key := c.Param("scope") + "/" + c.Param("coll")
	coll := h.colls[key]
	if coll == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no collection %q", key)})
	}
	return coll
}

func httpStatusFor(err error) int {
	if e, ok := liteerr.AsError(err); ok {
		switch e.Code {
		case liteerr.NotFound:
			return http.StatusNotFound
		case liteerr.Conflict:
			return http.StatusConflict
		case liteerr.BadDocID, liteerr.BadRevisionID, liteerr.InvalidParameter:
			return http.StatusBadRequest
		case liteerr.NotOpen:
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}

func abortWith(c *gin.Context, err error) {
	c.JSON(httpStatusFor(err), gin.H{"error": err.Error()})
}

// ─── Document handlers ───────────────────────────────────────────────────

// GetDoc handles GET /db/:scope/:coll/docs/:docID
func (h *Handler) GetDoc(c *gin.Context) {
	coll := h.collection(c)
	if coll == nil {
		return
	}
	doc, err := coll.Get(c.Param("docID"), docstore.CurrentRevBody)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"docID":    doc.DocID,
		"revID":    doc.CurrentRevID.String(),
		"sequence": doc.Sequence,
		"deleted":  doc.Flags.Has(docstore.FlagDeleted),
		"body":     base64.StdEncoding.EncodeToString(doc.Body),
	})
}

// PutDoc handles PUT /db/:scope/:coll/docs/:docID
// Body: the raw document body bytes.
func (h *Handler) PutDoc(c *gin.Context) {
	coll := h.collection(c)
	if coll == nil {
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := coll.Put(docstore.PutRequest{DocID: c.Param("docID"), Body: body})
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docID": c.Param("docID"), "revID": res.RevID.String(), "sequence": res.Sequence})
}

// DeleteDoc handles DELETE /db/:scope/:coll/docs/:docID by writing a
// deletion revision (tombstone), not a purge.
func (h *Handler) DeleteDoc(c *gin.Context) {
	coll := h.collection(c)
	if coll == nil {
		return
	}
	res, err := coll.Put(docstore.PutRequest{DocID: c.Param("docID"), Deletion: true})
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docID": c.Param("docID"), "revID": res.RevID.String()})
}

// DocHistory handles GET /db/:scope/:coll/docs/:docID/history
func (h *Handler) DocHistory(c *gin.Context) {
	coll := h.collection(c)
	if coll == nil {
		return
	}
	doc, err := coll.Get(c.Param("docID"), docstore.AllRevsAndBodies)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"docID":      doc.DocID,
		"history":    doc.HistoryString(0, nil),
		"conflicted": doc.Flags.Has(docstore.FlagConflicted),
		"leaves":     len(doc.Tree.Leaves()),
	})
}

// PurgeDoc handles POST /db/:scope/:coll/purge/:docID
func (h *Handler) PurgeDoc(c *gin.Context) {
	coll := h.collection(c)
	if coll == nil {
		return
	}
	if err := coll.Purge(c.Param("docID")); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": c.Param("docID")})
}

// ─── Replicator control ──────────────────────────────────────────────────

// StartReplicator handles POST /replicators
// Body: {"url": "...", "collection": "scope/name", "push": true, "pull": false, "continuous": false}
func (h *Handler) StartReplicator(c *gin.Context) {
	var body struct {
		URL        string `json:"url" binding:"required"`
		Collection string `json:"collection"`
		Push       bool   `json:"push"`
		Pull       bool   `json:"pull"`
		Continuous bool   `json:"continuous"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	coll := h.firstCollection(body.Collection)
	if coll == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no collection %q", body.Collection)})
		return
	}

	r, err := h.newReplicator(replicator.Options{
		RemoteURL:   body.URL,
		Continuous:  body.Continuous,
		Push:        body.Push,
		Pull:        body.Pull,
		Collections: []*docstore.Collection{coll},
		Engine:      coll.Engine(),
		Identity:    h.identity,
		LocalPeerID: h.wireID,
		RemotePeer:  peer.New(),
	})
	if err != nil {
		abortWith(c, err)
		return
	}

	h.mu.Lock()
	h.nextReplID++
	id := fmt.Sprintf("repl-%d", h.nextReplID)
	h.replicators[id] = r
	h.mu.Unlock()

	r.Start()
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (h *Handler) firstCollection(key string) *docstore.Collection {
	if key != "" {
		return h.colls[key]
	}
	for _, coll := range h.colls {
		return coll
	}
	return nil
}

// ListReplicators handles GET /replicators
func (h *Handler) ListReplicators(c *gin.Context) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.replicators))
	for id := range h.replicators {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"replicators": ids})
}

// ReplicatorStatus handles GET /replicators/:id
func (h *Handler) ReplicatorStatus(c *gin.Context) {
	h.mu.Lock()
	r := h.replicators[c.Param("id")]
	h.mu.Unlock()
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such replicator"})
		return
	}
	st := r.Status()
	resp := gin.H{
		"level":          st.Level.String(),
		"docsCompleted":  st.Progress.DocsCompleted,
		"unitsCompleted": st.Progress.UnitsCompleted,
		"hostReachable":  st.HostReachable,
		"suspended":      st.Suspended,
		"willRetry":      st.WillRetry,
	}
	if st.Err != nil {
		resp["error"] = st.Err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// StopReplicator handles POST /replicators/:id/stop
func (h *Handler) StopReplicator(c *gin.Context) {
	h.mu.Lock()
	r := h.replicators[c.Param("id")]
	h.mu.Unlock()
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such replicator"})
		return
	}
	r.Stop()
	c.JSON(http.StatusOK, gin.H{"stopping": c.Param("id")})
}

// ─── Incoming sync ───────────────────────────────────────────────────────

// Sync handles GET /sync: upgrades to a WebSocket and serves the passive
// half of a replication against every configured collection.
func (h *Handler) Sync(c *gin.Context) {
	t, err := blipws.Upgrade(c.Writer, c.Request)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	colls := make([]*docstore.Collection, 0, len(h.colls))
	for _, coll := range h.colls {
		colls = append(colls, coll)
	}
	conn := blipws.NewConn(t, nil, nil)
	pv := replicator.ServePassive(conn, replicator.PassiveOptions{
		Collections: colls,
		PeerStore:   h.peerStore,
		LocalPeerID: h.wireID,
		RemotePeer:  peer.New(),
	})
	h.mu.Lock()
	h.passives = append(h.passives, pv)
	h.mu.Unlock()
}

// CloseAll stops every live replicator and passive session; used during
// graceful shutdown.
func (h *Handler) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.replicators {
		r.Stop()
	}
	for _, pv := range h.passives {
		pv.Close()
	}
	h.passives = nil
}
