package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"rollup-swap/internal/cosign"
	"rollup-swap/internal/domain"
	"rollup-swap/internal/orchestrator"
)

const maxBodyBytes = 1 << 20

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Address:   s.maker.Address(),
		PublicKey: s.maker.PublicKey(),
	})
}

// handleCreateSwap handles POST /api/v1/swaps
func (s *Server) handleCreateSwap(w http.ResponseWriter, r *http.Request) {
	var req CreateSwapRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	agreement, err := req.Agreement.ToDomain()
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	client := domain.Party{PublicKey: req.ClientPublicKey, Address: req.ClientAddress}

	session, err := s.maker.CreateSwap(r.Context(), agreement, client, s.check)
	if err != nil {
		s.log.Warn().Err(err).Str("client", req.ClientAddress.Hex()).Msg("swap rejected")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, offerResponse(session.Offer()))
}

// handleCommitments handles POST /api/v1/swaps/{id}/commitments
func (s *Server) handleCommitments(w http.ResponseWriter, r *http.Request) {
	session, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req CommitmentsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	round, err := session.ReceivePeerCommitmentRound(r.Context(), FromHex(req.Precommitments), FromHex(req.Commitments))
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeRound(w, round)
}

// handleSign handles POST /api/v1/swaps/{id}/sign, retrying the build
// after a fee or token resolution failure.
func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	session, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	round, err := session.BuildAndSign(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeRound(w, round)
}

// handleShares handles POST /api/v1/swaps/{id}/shares. On success the
// maker deposits its leg and settles in the background.
func (s *Server) handleShares(w http.ResponseWriter, r *http.Request) {
	session, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req SharesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	signed, err := session.FinalizeWithPeerShares(r.Context(), FromHex(req.Shares))
	if err != nil {
		writeError(w, err)
		return
	}
	txs, err := EncodeTransactions(signed)
	if err != nil {
		writeError(w, err)
		return
	}

	state := session.State()
	s.wg.Add(1)
	go s.settle(session)

	writeJSON(w, http.StatusOK, SharesResponse{State: string(state), Transactions: txs})
}

// handleStatus handles GET /api/v1/swaps/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	session, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := StatusResponse{
		SwapID:       session.ID(),
		State:        string(session.State()),
		JointAddress: session.JointAddress(),
	}
	if err := session.Err(); err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAbort handles DELETE /api/v1/swaps/{id}. The body must carry the
// client's signature over AbortMessage(id).
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	session, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req AbortRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if len(req.Signature) == 0 {
		writeError(w, fmt.Errorf("%w: abort %s", errUnauthenticated, session.ID()))
		return
	}
	if !cosign.Verify(session.Client().PublicKey, AbortMessage(session.ID()), req.Signature) {
		s.log.Warn().Str("swap_id", session.ID()).Msg("abort with invalid signature")
		writeError(w, fmt.Errorf("%w: abort %s", errForbidden, session.ID()))
		return
	}
	if err := session.Abort(r.Context(), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		SwapID:       session.ID(),
		State:        string(session.State()),
		JointAddress: session.JointAddress(),
	})
}

func (s *Server) session(r *http.Request) (*orchestrator.Session, error) {
	id := mux.Vars(r)["id"]
	session, ok := s.maker.Session(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errNotFound, id)
	}
	return session, nil
}

func (s *Server) writeRound(w http.ResponseWriter, round *orchestrator.SigningRound) {
	resp, err := signingRoundResponse(round)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// settle deposits the maker's leg and submits the settlement transactions,
// retrying transient failures.
func (s *Server) settle(session *orchestrator.Session) {
	defer s.wg.Done()
	log := s.log.With().Str("swap_id", session.ID()).Logger()

	deposit := func(ctx context.Context) error {
		_, err := session.DepositOwnLeg(ctx)
		return err
	}
	if err := s.retry(session, deposit); err != nil {
		log.Error().Err(err).Msg("own deposit failed")
		return
	}
	if err := s.retry(session, session.Settle); err != nil {
		log.Error().Err(err).Str("state", string(session.State())).Msg("settlement failed")
		return
	}
	log.Info().Msg("swap settled")
}

// retry runs step until it succeeds, the session reaches a terminal state,
// the attempts are used up or the server shuts down.
func (s *Server) retry(session *orchestrator.Session, step func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = step(s.baseCtx); err == nil {
			return nil
		}
		if session.State().Terminal() || errors.Is(err, orchestrator.ErrInvalidState) || attempt == s.attempts {
			break
		}
		s.log.Warn().Err(err).Str("swap_id", session.ID()).Int("attempt", attempt).Msg("settlement step failed, retrying")

		select {
		case <-time.After(s.delay):
		case <-s.baseCtx.Done():
			return s.baseCtx.Err()
		}
	}
	return err
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
