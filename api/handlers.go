package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

const maxSmallBodySize = 64 << 10

// decodeJSON reads a size-limited JSON body into T. Unknown fields are
// rejected. With allowEmpty an empty body yields the zero value.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, maxBytes int64, allowEmpty bool) (T, bool) {
	var req T
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return req, true
		}
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return req, false
	}
	return req, true
}

// csrBytes accepts a PEM block or base64-encoded DER.
func csrBytes(s string) []byte {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(s)
	}
	if der, err := base64.StdEncoding.DecodeString(s); err == nil {
		return der
	}
	return []byte(s)
}

// SignCertificate handles POST /certificates.
func (a *API) SignCertificate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[SignRequest](w, r, maxSmallBodySize, false)
	if !ok {
		return
	}
	if strings.TrimSpace(req.CSR) == "" {
		writeError(w, http.StatusBadRequest, "csr is required")
		return
	}

	issue := pki.IssueRequest{
		CSR:             csrBytes(req.CSR),
		SubjectAltNames: req.SubjectAltNames,
		ValidityDays:    req.ValidityDays,
	}
	if req.Digest != "" {
		digest, err := pki.ParseDigest(req.Digest)
		if err != nil {
			mapError(w, err)
			return
		}
		issue.Digest = digest
	}

	cert, err := a.svc.Sign(r.Context(), issue)
	if err != nil {
		a.audit.logFailure(AuditIssueRejected, r, err)
		mapError(w, err)
		return
	}

	a.audit.log(AuditCertIssued, r,
		slog.String("serial", cert.SerialHex()),
		slog.String("cn", cert.CommonName))

	w.Header().Set("Location", "/api/v1/certificates/"+cert.SerialHex())
	writeJSON(w, http.StatusCreated, newCertificateResponse(cert, true))
}

// ListCertificates handles GET /certificates.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	var filter storage.Filter
	if v := r.URL.Query().Get("revoked"); v != "" {
		revoked, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "revoked must be a boolean")
			return
		}
		filter.RevokedOnly = revoked
	}
	filter.CommonName = r.URL.Query().Get("cn")

	certs, err := a.svc.Certificates(r.Context(), filter)
	if err != nil {
		mapError(w, err)
		return
	}

	limit, offset := parsePagination(r)
	page, meta := paginate(certs, limit, offset)
	resp := ListCertificatesResponse{
		Certificates:   make([]CertificateResponse, 0, len(page)),
		PaginationMeta: meta,
	}
	for _, cert := range page {
		resp.Certificates = append(resp.Certificates, newCertificateResponse(cert, false))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCertificate handles GET /certificates/{serial}.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, ok := a.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newCertificateResponse(cert, true))
}

// GetCertificatePEM handles GET /certificates/{serial}/pem.
func (a *API) GetCertificatePEM(w http.ResponseWriter, r *http.Request) {
	cert, ok := a.lookup(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+cert.SerialHex()+".pem\"")
	w.WriteHeader(http.StatusOK)
	w.Write(cert.PEM())
}

func (a *API) lookup(w http.ResponseWriter, r *http.Request) (*pki.Certificate, bool) {
	serial, err := storage.ParseSerial(chi.URLParam(r, "serial"))
	if err != nil {
		mapError(w, err)
		return nil, false
	}
	cert, err := a.svc.Certificate(r.Context(), serial)
	if err != nil {
		mapError(w, err)
		return nil, false
	}
	return cert, true
}

// RevokeCertificate handles POST /certificates/{serial}/revoke.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	serial, err := storage.ParseSerial(chi.URLParam(r, "serial"))
	if err != nil {
		mapError(w, err)
		return
	}
	req, ok := decodeJSON[RevokeRequest](w, r, maxSmallBodySize, true)
	if !ok {
		return
	}

	reason, err := pki.ParseRevocationReason(req.Reason)
	if err == nil {
		var cert *pki.Certificate
		cert, err = a.svc.Revoke(r.Context(), serial, reason)
		if err == nil {
			a.audit.log(AuditCertRevoked, r,
				slog.String("serial", cert.SerialHex()),
				slog.String("cn", cert.CommonName),
				slog.String("revocation_reason", string(reason)))
			writeJSON(w, http.StatusOK, newCertificateResponse(cert, false))
			return
		}
	}

	a.audit.logFailure(AuditRevokeRejected, r, err, slog.String("serial", storage.SerialKey(serial)))
	mapError(w, err)
}

// GetCRL returns the handler for GET /crl.pem and GET /crl.der. Every call
// signs a fresh CRL from the current revocation state.
func (a *API) GetCRL(enc pki.Encoding) http.HandlerFunc {
	contentType, filename := "application/x-pem-file", "crl.pem"
	if enc == pki.EncodingDER {
		contentType, filename = "application/pkix-crl", "crl.der"
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var opts pki.CRLOptions
		if v := r.URL.Query().Get("digest"); v != "" {
			digest, err := pki.ParseDigest(v)
			if err != nil {
				mapError(w, err)
				return
			}
			opts.Digest = digest
		}

		list, err := a.svc.CRL(r.Context(), opts)
		if err != nil {
			mapError(w, err)
			return
		}
		body, err := list.Encode(enc)
		if err != nil {
			writeInternalError(w, "failed to encode CRL", err)
			return
		}

		a.audit.log(AuditCRLGenerated, r,
			slog.String("crl_number", list.Number.String()),
			slog.Int("entries", len(list.Entries)))

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", "attachment; filename=\""+filename+"\"")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}
}
