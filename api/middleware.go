package api

import (
	"context"
	"net/http"

	"github.com/inkwire/gatehouse/admission"
)

type contextKey int

const (
	argsKey contextKey = iota
	ipKey
	decisionKey
)

func requestArgs(r *http.Request) *Args {
	if a, ok := r.Context().Value(argsKey).(*Args); ok {
		return a
	}
	return &Args{}
}

func requestIP(r *http.Request) string {
	if ip, ok := r.Context().Value(ipKey).(string); ok {
		return ip
	}
	return ""
}

// withArgs decodes and sanitizes the argument object once; handlers
// downstream read the typed result from the context. GET requests carry
// their arguments in the query string.
func (a *API) withArgs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			args *Args
			err  error
		)
		if r.Method == http.MethodGet {
			args = argsFromQuery(r)
		} else {
			args, err = DecodeArgs(r.Body)
		}
		if err != nil {
			a.admission.CountInvalid(r.Context())
			writeFailure(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), argsKey, args)
		ctx = context.WithValue(ctx, ipKey, a.clientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// argsFromQuery admits the subset of arguments that make sense on a
// read: session identity, a field selector, and an admission token.
func argsFromQuery(r *http.Request) *Args {
	args := &Args{}
	if v := r.URL.Query().Get("guid"); v != "" {
		args.GUID = hexQueryValue(v, 64)
	}
	if v := r.URL.Query().Get("token"); v != "" {
		args.Token = hexQueryValue(v, 64)
	}
	if v := r.URL.Query().Get("field"); v != "" && wordPattern.MatchString(v) {
		args.Field = &v
	}
	return args
}

// gate runs the admission decision for the request's address, honoring
// a presented token.
func (a *API) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		args := requestArgs(r)
		d, err := a.admission.Gate(r.Context(), requestIP(r), str(args.Token))
		if err != nil {
			writeFailure(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), decisionKey, d)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestDecision(r *http.Request) *admission.Decision {
	if d, ok := r.Context().Value(decisionKey).(*admission.Decision); ok {
		return d
	}
	return &admission.Decision{}
}
