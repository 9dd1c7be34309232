package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hackgods/doctor-scheduling/internal/scheduling"
)

// Claims is the token payload: sub is the user id, role the actor type.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func actorType(role string) (scheduling.ActorType, bool) {
	switch t := scheduling.ActorType(strings.ToLower(role)); t {
	case scheduling.ActorPatient, scheduling.ActorDoctor, scheduling.ActorAdmin, scheduling.ActorSystem:
		return t, true
	}
	return "", false
}

// ActorMiddleware identifies the caller. With a secret it requires an HS256 bearer
// token; without one it trusts the X-Actor-Type and X-Actor-ID headers.
func ActorMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				actor scheduling.Actor
				err   error
			)
			if secret != "" {
				actor, err = actorFromToken(r.Header.Get("Authorization"), []byte(secret))
			} else {
				actor, err = actorFromHeaders(r.Header)
			}
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), actorKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func actorFromToken(header string, secret []byte) (scheduling.Actor, error) {
	raw := strings.TrimPrefix(header, "Bearer ")
	if header == "" || raw == header {
		return scheduling.Actor{}, fmt.Errorf("bearer token required")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return scheduling.Actor{}, fmt.Errorf("invalid token")
	}
	return buildActor(claims.Role, claims.Subject)
}

func actorFromHeaders(h http.Header) (scheduling.Actor, error) {
	return buildActor(h.Get("X-Actor-Type"), h.Get("X-Actor-ID"))
}

func buildActor(role, subject string) (scheduling.Actor, error) {
	t, ok := actorType(role)
	if !ok {
		return scheduling.Actor{}, fmt.Errorf("unknown role %q", role)
	}
	if subject == "" {
		if t == scheduling.ActorSystem {
			return scheduling.SystemActor(), nil
		}
		return scheduling.Actor{}, fmt.Errorf("subject required")
	}
	id, err := uuid.Parse(subject)
	if err != nil {
		return scheduling.Actor{}, fmt.Errorf("subject must be a UUID")
	}
	return scheduling.Actor{Type: t, ID: &id}, nil
}

// ActorFrom returns the caller set by ActorMiddleware.
func ActorFrom(ctx context.Context) (scheduling.Actor, bool) {
	a, ok := ctx.Value(actorKey).(scheduling.Actor)
	return a, ok
}

// RequireRole rejects callers whose actor type is not listed.
func RequireRole(roles ...scheduling.ActorType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "no actor")
				return
			}
			for _, role := range roles {
				if actor.Type == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "forbidden", fmt.Sprintf("%s may not perform this action", actor.Type))
		})
	}
}

// subjectPatient resolves which patient a request acts for. Patients always act
// for themselves; staff must name the patient.
func subjectPatient(actor scheduling.Actor, requested *uuid.UUID) (uuid.UUID, error) {
	if actor.Type == scheduling.ActorPatient {
		if requested != nil && *requested != *actor.ID {
			return uuid.Nil, fmt.Errorf("patients may only act for themselves")
		}
		return *actor.ID, nil
	}
	if requested == nil || *requested == uuid.Nil {
		return uuid.Nil, fmt.Errorf("patient_id required")
	}
	return *requested, nil
}
