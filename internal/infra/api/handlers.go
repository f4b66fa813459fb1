package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"tablebook-referrals/internal/domain/model"
)

const maxBodyBytes = 16 << 10

type generateResponse struct {
	ReferralCode string     `json:"referralCode"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	MaxUses      *int       `json:"maxUses,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	u := UserFrom(r.Context())
	if u == nil {
		writeError(w, r, s.log, errNoUser)
		return
	}
	rc, err := s.referrals.Generate(r.Context(), u.ID)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{
		ReferralCode: rc.Code,
		ExpiresAt:    rc.ExpiresAt,
		MaxUses:      rc.MaxUses,
	})
}

type validateResponse struct {
	Valid  bool                `json:"valid"`
	Reason model.InvalidReason `json:"reason,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		badRequest(w, "code is required")
		return
	}
	v, err := s.referrals.Validate(r.Context(), code)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{Valid: v.Valid, Reason: v.Reason})
}

// processRequest is the only accepted shape; unknown fields are rejected.
type processRequest struct {
	ReferralCode string            `json:"referralCode" validate:"required,max=64"`
	Metadata     map[string]string `json:"metadata" validate:"omitempty,max=32,dive,keys,min=1,max=64,endkeys,max=512"`
}

type processResponse struct {
	Message       string `json:"message"`
	PointsAwarded int64  `json:"pointsAwarded"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	u := UserFrom(r.Context())
	if u == nil {
		writeError(w, r, s.log, errNoUser)
		return
	}

	var req processRequest
	if err := decodeStrict(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		badRequest(w, formatValidationErrors(err))
		return
	}

	res, err := s.referrals.Process(r.Context(), req.ReferralCode, u.ID, req.Metadata)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, processResponse{Message: res.Message, PointsAwarded: res.PointsAwarded})
}

type userStatsResponse struct {
	UserID                string `json:"userId"`
	CodeGenerated         bool   `json:"codeGenerated"`
	ActiveCode            string `json:"activeCode,omitempty"`
	TotalRedemptions      int    `json:"totalRedemptions"`
	SuccessfulConversions int    `json:"successfulConversions"`
	TotalPointsEarned     int64  `json:"totalPointsEarned"`
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	u := UserFrom(r.Context())
	if u == nil {
		writeError(w, r, s.log, errNoUser)
		return
	}
	st, err := s.stats.UserStats(r.Context(), u.ID)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, userStatsResponse{
		UserID:                u.ID,
		CodeGenerated:         st.CodeGenerated,
		ActiveCode:            st.ActiveCode,
		TotalRedemptions:      st.TotalRedemptions,
		SuccessfulConversions: st.SuccessfulConversions,
		TotalPointsEarned:     st.TotalPointsEarned,
	})
}

type topReferrer struct {
	UserID      string `json:"userId"`
	Redemptions int    `json:"redemptions"`
	Points      int64  `json:"points"`
}

type globalStatsResponse struct {
	TotalCodes       int           `json:"totalCodes"`
	TotalRedemptions int           `json:"totalRedemptions"`
	TopReferrers     []topReferrer `json:"topReferrers"`
	ConversionRate   float64       `json:"conversionRate"`
}

func (s *Server) handleGlobalStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.stats.GlobalStats(r.Context())
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	top := make([]topReferrer, 0, len(st.TopReferrers))
	for _, t := range st.TopReferrers {
		top = append(top, topReferrer{UserID: t.UserID, Redemptions: t.Redemptions, Points: t.Points})
	}
	writeJSON(w, http.StatusOK, globalStatsResponse{
		TotalCodes:       st.TotalCodes,
		TotalRedemptions: st.TotalRedemptions,
		TopReferrers:     top,
		ConversionRate:   st.ConversionRate,
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	n, err := s.referrals.CleanupExpired(r.Context())
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleanedCount": n})
}

type revokeResponse struct {
	ReferralCode string                   `json:"referralCode"`
	Status       model.ReferralCodeStatus `json:"status"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	rc, err := s.referrals.Revoke(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, revokeResponse{ReferralCode: rc.Code, Status: rc.Status})
}

func decodeStrict(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// exactly one JSON value
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON body")
	}
	return nil
}

func formatValidationErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "max":
			msgs = append(msgs, fe.Field()+" is too long")
		default:
			msgs = append(msgs, fe.Field()+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}
