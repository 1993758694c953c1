package main

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/imalyk/go-image-processor/pkg/job"
)

type ownerKey struct{}

// requireOwner resolves the calling owner. Clients send X-User-ID. Other
// services act for an owner by sending the shared X-Internal-Token together
// with X-Owner-ID.
func (s *server) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := resolveOwner(r, s.internalToken)
		if err != nil {
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func resolveOwner(r *http.Request, internalToken string) (string, error) {
	if token := r.Header.Get("X-Internal-Token"); token != "" {
		if internalToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(internalToken)) != 1 {
			return "", job.ErrUnauthorized
		}
		owner := strings.TrimSpace(r.Header.Get("X-Owner-ID"))
		if owner == "" {
			return "", job.ErrUnauthorized
		}
		return owner, nil
	}
	owner := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if owner == "" {
		return "", job.ErrUnauthorized
	}
	return owner, nil
}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}
