package api

import (
	"net/http"
	"strconv"

	"github.com/guardant/guardant/internal/audit"
	"github.com/guardant/guardant/internal/model"
)

// HandleListAudit returns a handler for GET /api/audit. Platform admins see
// everything; nest users only their own nest's trail.
func HandleListAudit(repo *audit.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFrom(r)
		if p == nil {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "no principal")
			return
		}
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}

		f := audit.ListFilter{
			Action: r.URL.Query().Get("action"),
			Actor:  r.URL.Query().Get("actor"),
			Limit:  pg.Limit,
			Offset: pg.Offset,
		}
		if p.Role == model.RolePlatformAdmin {
			f.NestID = r.URL.Query().Get("nest")
		} else {
			f.NestID = p.NestID
		}
		if v := r.URL.Query().Get("before"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeInvalidArgument(w, "before: must be a ns timestamp")
				return
			}
			f.Before = n
		}
		if v := r.URL.Query().Get("after"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeInvalidArgument(w, "after: must be a ns timestamp")
				return
			}
			f.After = n
		}

		entries, err := repo.List(f)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "audit query failed")
			return
		}
		if entries == nil {
			entries = []audit.Entry{}
		}
		WriteJSON(w, http.StatusOK, entries)
	}
}
