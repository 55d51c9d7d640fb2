package server

import "net/http"

// routes registers the federation v1 and key v2 endpoint set.
// Longest-prefix dispatch and 405-with-Allow on method mismatch are both
// gorilla/mux's native behavior.
func (s *Server) routes() {
	opts := s.defaultOptions()
	backfillOpts := opts
	backfillOpts.Timeout = s.cfg.BackfillTimeout

	// Key exchange: unauthenticated by design (a server must be able to
	// fetch another's key before it can verify anything signed by it).
	s.router.Handle("/_matrix/key/v2/server/{keyid}",
		s.withResourceOptions(opts, s.handleServerKey)).Methods(http.MethodGet)
	s.router.Handle("/_matrix/key/v2/query",
		s.withResourceOptions(opts, s.handleKeyQuery)).Methods(http.MethodPost)

	// Handshake / liveness: unauthenticated.
	s.router.Handle("/_matrix/federation/v1/version",
		s.withResourceOptions(opts, s.handleVersion)).Methods(http.MethodGet)

	// Every remaining federation v1 endpoint requires a verified X-Matrix
	// signed envelope.
	s.router.Handle("/_matrix/federation/v1/send/{txnid}",
		s.withResourceOptions(opts, s.xMatrixAuthRequired(s.handleSend))).Methods(http.MethodPut)
	s.router.Handle("/_matrix/federation/v1/event/{eventID}",
		s.withResourceOptions(opts, s.xMatrixAuthRequired(s.handleGetEvent))).Methods(http.MethodGet)
	s.router.Handle("/_matrix/federation/v1/event_auth/{roomID}/{eventID}",
		s.withResourceOptions(opts, s.xMatrixAuthRequired(s.handleEventAuth))).Methods(http.MethodGet)
	s.router.Handle("/_matrix/federation/v1/state/{roomID}",
		s.withResourceOptions(backfillOpts, s.xMatrixAuthRequired(s.handleState))).Methods(http.MethodGet)
	s.router.Handle("/_matrix/federation/v1/state_ids/{roomID}",
		s.withResourceOptions(backfillOpts, s.xMatrixAuthRequired(s.handleStateIDs))).Methods(http.MethodGet)
	s.router.Handle("/_matrix/federation/v1/backfill/{roomID}",
		s.withResourceOptions(backfillOpts, s.xMatrixAuthRequired(s.handleBackfill))).Methods(http.MethodGet)
	s.router.Handle("/_matrix/federation/v1/make_join/{roomID}/{userID}",
		s.withResourceOptions(opts, s.xMatrixAuthRequired(s.handleMakeJoin))).Methods(http.MethodGet)
	s.router.Handle("/_matrix/federation/v1/send_join/{roomID}/{eventID}",
		s.withResourceOptions(opts, s.xMatrixAuthRequired(s.handleSendJoin))).Methods(http.MethodPut)
	s.router.Handle("/_matrix/federation/v1/invite/{roomID}/{eventID}",
		s.withResourceOptions(opts, s.xMatrixAuthRequired(s.handleInvite))).Methods(http.MethodPut)
	s.router.Handle("/_matrix/federation/v1/query/directory",
		s.withResourceOptions(opts, s.xMatrixAuthRequired(s.handleQueryDirectory))).Methods(http.MethodGet)
	s.router.Handle("/_matrix/federation/v1/query/profile",
		s.withResourceOptions(opts, s.xMatrixAuthRequired(s.handleQueryProfile))).Methods(http.MethodGet)
	s.router.Handle("/_matrix/federation/v1/user/devices/{userID}",
		s.withResourceOptions(opts, s.xMatrixAuthRequired(s.handleUserDevices))).Methods(http.MethodGet)
	s.router.Handle("/_matrix/federation/v1/publicRooms",
		s.withResourceOptions(opts, s.xMatrixAuthRequired(s.handlePublicRooms))).Methods(http.MethodGet)
}
