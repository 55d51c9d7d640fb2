package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/construct-io/constructd/internal/event"
	"github.com/construct-io/constructd/internal/eventdb"
	"github.com/construct-io/constructd/internal/sigs"
	"github.com/construct-io/constructd/internal/statetree"
	"github.com/construct-io/constructd/internal/vm"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleVersion answers /_matrix/federation/v1/version, the handshake and
// liveness probe.
func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"server": map[string]string{"name": "construct", "version": "0.1.0"},
	})
}

// handleServerKey answers GET /_matrix/key/v2/server/{keyid}, serving this
// server's own signing key.
func (s *Server) handleServerKey(w http.ResponseWriter, r *http.Request) {
	keyID := mux.Vars(r)["keyid"]
	if s.signingKey == nil || keyID != s.signingKey.KeyID {
		writeError(w, errNotFound("unknown key id"))
		return
	}
	resp := map[string]any{
		"server_name":    s.cfg.LocalHost,
		"valid_until_ts": time.Now().Add(24 * time.Hour).UnixMilli(),
		"verify_keys": map[string]any{
			keyID: map[string]string{"key": sigs.EncodePublicKey(s.signingKey.Public)},
		},
	}
	writeJSON(w, resp)
}

// handleKeyQuery answers POST /_matrix/key/v2/query; this server only ever
// has its own key to report (no notary/proxy behavior in scope).
func (s *Server) handleKeyQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServerKeys map[string]any `json:"server_keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errProtocol("malformed request body"))
		return
	}
	out := []map[string]any{}
	if _, ok := req.ServerKeys[s.cfg.LocalHost]; ok && s.signingKey != nil {
		out = append(out, map[string]any{
			"server_name":    s.cfg.LocalHost,
			"valid_until_ts": time.Now().Add(24 * time.Hour).UnixMilli(),
			"verify_keys": map[string]any{
				s.signingKey.KeyID: map[string]string{"key": sigs.EncodePublicKey(s.signingKey.Public)},
			},
		})
	}
	writeJSON(w, map[string]any{"server_keys": out})
}

// handleSend answers PUT /_matrix/federation/v1/send/{txnid}: admit every
// PDU in the transaction through the federation phase set (the events
// arrive hashed and signed, so HASH/SIGN are skipped and VERIFY runs),
// reporting a per-event result map as the Matrix wire format requires.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var txn struct {
		Origin         string           `json:"origin"`
		OriginServerTS int64            `json:"origin_server_ts"`
		PDUs           []*event.Event   `json:"pdus"`
		EDUs           []map[string]any `json:"edus"`
	}
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		writeError(w, errProtocol("malformed transaction body"))
		return
	}

	pduResults := make(map[string]map[string]any, len(txn.PDUs))
	for _, e := range txn.PDUs {
		if s.backfiller != nil {
			for _, ref := range append(append([]event.PrevRef{}, e.PrevEvents...), e.AuthEvents...) {
				if ref.EventID == "" {
					continue
				}
				if _, ok, _ := s.store.IdxForEventID(ref.EventID); ok {
					continue
				}
				// A referenced prev/auth event is unknown. Fetch and admit it
				// (and its own missing ancestors) before admitting e itself.
				if _, ferr := s.backfiller.Ancestor(r.Context(), e.RoomID, ref.EventID); ferr != nil {
					s.logger.LogWarn("backfill of referenced ancestor failed", "event_id", ref.EventID, "error", ferr)
				}
			}
		}

		_, err := s.vm.Run(r.Context(), e, vm.Opts{Phases: vm.FederationPhases})
		if err != nil && vm.IsDup(err) {
			pduResults[e.EventID] = map[string]any{}
			continue
		}
		if err != nil {
			s.logger.LogWarn("rejected PDU", "event_id", e.EventID, "error", err)
			pduResults[e.EventID] = map[string]any{"error": err.Error()}
			continue
		}
		pduResults[e.EventID] = map[string]any{}
	}
	writeJSON(w, map[string]any{"pdus": pduResults})
}

// handleGetEvent answers GET /_matrix/federation/v1/event/{event_id}.
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["eventID"]
	e, err := s.store.FetchByEventID(eventID)
	if err != nil {
		writeError(w, errNotFound("unknown event "+eventID))
		return
	}
	writeJSON(w, map[string]any{
		"origin":           s.cfg.LocalHost,
		"origin_server_ts": time.Now().UnixMilli(),
		"pdus":             []*event.Event{e},
	})
}

// handleEventAuth answers GET /_matrix/federation/v1/event_auth/{room_id}/{event_id},
// returning the full transitive auth chain by walking auth_events.
func (s *Server) handleEventAuth(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["eventID"]
	chain, err := s.authChain(eventID, map[string]bool{})
	if err != nil {
		writeError(w, errNotFound("unknown event "+eventID))
		return
	}
	writeJSON(w, map[string]any{"auth_chain": chain})
}

func (s *Server) authChain(eventID string, seen map[string]bool) ([]*event.Event, error) {
	if seen[eventID] {
		return nil, nil
	}
	seen[eventID] = true
	e, err := s.store.FetchByEventID(eventID)
	if err != nil {
		return nil, err
	}
	chain := []*event.Event{e}
	for _, ref := range e.AuthEvents {
		sub, err := s.authChain(ref.EventID, seen)
		if err != nil {
			continue
		}
		chain = append(chain, sub...)
	}
	return chain, nil
}

// handleState answers GET /_matrix/federation/v1/state/{room_id}?event_id=…,
// returning the full state event set visible at the room's current state
// tree root (an approximation of "as of event_id" since no historical root
// index is kept per event; see DESIGN.md).
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	root, ok, err := s.rooms.StateRoot(roomID)
	if err != nil || !ok {
		writeError(w, errNotFound("unknown room "+roomID))
		return
	}

	var pdus []*event.Event
	tstore := &dbStateStore{db: s.store.DB()}
	ferr := statetree.ForEach(tstore, root, nil, func(_ statetree.Key, eventID string) bool {
		if e, err := s.store.FetchByEventID(eventID); err == nil {
			pdus = append(pdus, e)
		}
		return true
	})
	if ferr != nil {
		writeError(w, errNotFound("state tree read failed"))
		return
	}

	authChain, _ := s.roomAuthChain(pdus)
	writeJSON(w, map[string]any{"pdus": pdus, "auth_chain": authChain})
}

// handleStateIDs is handleState's id-only counterpart
// (/_matrix/federation/v1/state_ids/{room_id}).
func (s *Server) handleStateIDs(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	root, ok, err := s.rooms.StateRoot(roomID)
	if err != nil || !ok {
		writeError(w, errNotFound("unknown room "+roomID))
		return
	}

	var ids []string
	var pdus []*event.Event
	tstore := &dbStateStore{db: s.store.DB()}
	ferr := statetree.ForEach(tstore, root, nil, func(_ statetree.Key, eventID string) bool {
		ids = append(ids, eventID)
		if e, err := s.store.FetchByEventID(eventID); err == nil {
			pdus = append(pdus, e)
		}
		return true
	})
	if ferr != nil {
		writeError(w, errNotFound("state tree read failed"))
		return
	}
	authChain, _ := s.roomAuthChain(pdus)
	authIDs := make([]string, 0, len(authChain))
	for _, e := range authChain {
		authIDs = append(authIDs, e.EventID)
	}
	writeJSON(w, map[string]any{"pdu_ids": ids, "auth_chain_ids": authIDs})
}

func (s *Server) roomAuthChain(pdus []*event.Event) ([]*event.Event, error) {
	seen := map[string]bool{}
	var chain []*event.Event
	for _, e := range pdus {
		for _, ref := range e.AuthEvents {
			sub, err := s.authChain(ref.EventID, seen)
			if err != nil {
				continue
			}
			chain = append(chain, sub...)
		}
	}
	return chain, nil
}

// handleBackfill answers GET /_matrix/federation/v1/backfill/{room_id}?limit=…&v=…,
// walking room_events backwards from the head in descending
// (depth, event_idx) order.
func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var pdus []*event.Event
	err := s.vmStoreRoomEvents(roomID, limit, func(e *event.Event) {
		pdus = append(pdus, e)
	})
	if err != nil {
		writeError(w, errNotFound("unknown room "+roomID))
		return
	}
	writeJSON(w, map[string]any{"pdus": pdus})
}

func (s *Server) vmStoreRoomEvents(roomID string, limit int, f func(*event.Event)) error {
	count := 0
	return s.storeRoomEvents(roomID, func(idx eventdb.EventIdx) bool {
		if count >= limit {
			return false
		}
		e, err := s.store.Fetch(idx)
		if err != nil {
			return true
		}
		f(e)
		count++
		return true
	})
}

func (s *Server) storeRoomEvents(roomID string, f func(idx eventdb.EventIdx) bool) error {
	return s.store.RoomEvents(roomID, func(idx eventdb.EventIdx, _ int64) bool {
		return f(idx)
	})
}

// handleMakeJoin answers GET /_matrix/federation/v1/make_join/{room_id}/{user_id}:
// builds an unsigned m.room.member join template through the ACCESS phase
// only. The remote server hashes and signs the template and submits it
// back via send_join.
func (s *Server) handleMakeJoin(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	roomID, userID := vars["roomID"], vars["userID"]

	content := map[string]any{"membership": "join"}
	e := &event.Event{
		RoomID:  roomID,
		Sender:  userID,
		Origin:  originOf(r),
		Type:    "m.room.member",
		Content: content,
	}
	sk := userID
	e.StateKey = &sk

	if _, err := s.vm.Run(r.Context(), e, vm.Opts{Phases: vm.PhaseAccess}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"event": e, "room_version": "10"})
}

// handleSendJoin answers PUT /_matrix/federation/v1/send_join/{room_id}/{event_id}:
// admits the submitted join event (federation phase set plus this server's
// countersignature) and returns the resulting room state plus auth chain.
func (s *Server) handleSendJoin(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]

	var e event.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, errProtocol("malformed join event"))
		return
	}
	// The join arrives hashed and signed by the joining server; this server
	// adds its own signature (SIGN) but must not re-hash.
	if _, err := s.vm.Run(r.Context(), &e, vm.Opts{Phases: vm.FederationPhases | vm.PhaseSign}); err != nil {
		writeError(w, err)
		return
	}

	root, ok, _ := s.rooms.StateRoot(roomID)
	var state []*event.Event
	if ok {
		tstore := &dbStateStore{db: s.store.DB()}
		_ = statetree.ForEach(tstore, root, nil, func(_ statetree.Key, eventID string) bool {
			if se, err := s.store.FetchByEventID(eventID); err == nil {
				state = append(state, se)
			}
			return true
		})
	}
	authChain, _ := s.roomAuthChain(state)
	writeJSON(w, map[string]any{"state": state, "auth_chain": authChain})
}

// handleInvite answers PUT /_matrix/federation/v1/invite/{room_id}/{event_id}:
// checks the invite event's shape, countersigns it, and hands it back to
// the inviting server. The room itself is usually unknown to this server
// at invite time, so no room-state auth applies here.
func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	var e event.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, errProtocol("malformed invite event"))
		return
	}
	// The inviting server already hashed the event; this server only checks
	// shape and countersigns, per the invite exchange.
	if _, err := s.vm.Run(r.Context(), &e, vm.Opts{
		Phases:     vm.PhaseConform | vm.PhaseSign,
		NonConform: conformExcusalsForInvite(),
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"event": &e})
}

func conformExcusalsForInvite() event.Set {
	return event.Set(event.MissingPrevEvents) | event.Set(event.MissingPrevState)
}

// handleQueryDirectory answers GET /_matrix/federation/v1/query/directory?room_alias=….
// No client-to-server surface exists to register aliases, so every alias
// resolves to 404.
func (s *Server) handleQueryDirectory(w http.ResponseWriter, r *http.Request) {
	writeError(w, errNotFound("no directory mapping for "+r.URL.Query().Get("room_alias")))
}

// handleQueryProfile answers GET /_matrix/federation/v1/query/profile?user_id=….
// No client-to-server surface exists to populate profiles, so every user
// resolves to 404.
func (s *Server) handleQueryProfile(w http.ResponseWriter, r *http.Request) {
	writeError(w, errNotFound("no profile for "+r.URL.Query().Get("user_id")))
}

// handleUserDevices answers GET /_matrix/federation/v1/user/devices/{user_id}.
// This server manages no end-to-end device keys, so it reports an empty
// device list rather than 404ing: a user with no devices is a legitimate
// state, not an error.
func (s *Server) handleUserDevices(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	writeJSON(w, map[string]any{
		"user_id":   userID,
		"stream_id": 0,
		"devices":   []any{},
	})
}

// handlePublicRooms answers GET /_matrix/federation/v1/publicRooms. Public
// room directory listing is not modeled (no client-to-server API surface
// in scope); this returns an empty chunk, the well-formed "no rooms" answer.
func (s *Server) handlePublicRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"chunk": []any{}, "total_room_count_estimate": 0})
}

// dbStateStore adapts an eventdb.ColumnDB's state_node column to
// statetree.Store for the federation server's read-only state queries,
// mirroring internal/vm's identical stateTreeStore adapter.
type dbStateStore struct {
	db eventdb.ColumnDB
}

func (d *dbStateStore) Get(id string) ([]byte, bool, error) {
	return d.db.Get(eventdb.ColStateNode, []byte(id))
}
