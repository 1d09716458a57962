package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"sign-bounty-system/middleware"
	"sign-bounty-system/models"
	"sign-bounty-system/services"
	"sign-bounty-system/store"
	"sign-bounty-system/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	t    *testing.T
	app  *fiber.App
	life *services.Lifecycle
}

func newTestServer(t *testing.T, limiter middleware.Limiter) *testServer {
	t.Helper()
	life := services.NewLifecycle(store.NewMemoryStore(), nil, services.DefaultSettings())
	app := fiber.New()
	SetupRoutes(app, &Handler{Life: life, Proofs: utils.LocalStorage{Root: t.TempDir()}}, limiter)
	return &testServer{t: t, app: app, life: life}
}

// do sends a JSON request as user (empty for anonymous) and decodes the body into out.
func (s *testServer) do(method, path, user, roles string, body any, out any) int {
	s.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.send(req, user, roles, out)
}

func (s *testServer) send(req *http.Request, user, roles string, out any) int {
	s.t.Helper()
	if user != "" {
		req.Header.Set("X-User-ID", user)
		req.Header.Set("X-User-Roles", roles)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(s.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) createCampaign(bounty int64) models.Campaign {
	s.t.Helper()
	var c models.Campaign
	status := s.do("POST", "/campaigns", "owner-1", "owner", fiber.Map{"name": "Maple St Yard Sale", "bounty_amount": bounty}, &c)
	require.Equal(s.t, fiber.StatusCreated, status)
	return c
}

func (s *testServer) submitReport(code string, lat, lng float64) models.SignReport {
	s.t.Helper()
	var out struct {
		Report models.SignReport `json:"report"`
	}
	body := fiber.Map{"location": fiber.Map{"lat": lat, "lng": lng}}
	require.Equal(s.t, fiber.StatusCreated, s.do("POST", "/public/campaigns/"+code+"/reports", "", "", body, &out))
	return out.Report
}

func TestPublicCampaignAndIntake(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.createCampaign(1500)

	var pub publicCampaign
	require.Equal(t, fiber.StatusOK, s.do("GET", "/public/campaigns/"+c.Code, "", "", nil, &pub))
	assert.Equal(t, c.Name, pub.Name)
	assert.True(t, pub.AcceptingReports)

	assert.Equal(t, fiber.StatusNotFound, s.do("GET", "/public/campaigns/QR_NOPE_00000000", "", "", nil, nil))

	first := s.submitReport(c.Code, 40.0, -75.0)
	assert.Equal(t, models.ReportOpen, first.Status)

	var dup struct {
		AlreadyReported bool `json:"already_reported"`
	}
	body := fiber.Map{"location": fiber.Map{"lat": 40.0001, "lng": -75.0}}
	require.Equal(t, fiber.StatusOK, s.do("POST", "/public/campaigns/"+c.Code+"/reports", "", "", body, &dup))
	assert.True(t, dup.AlreadyReported)

	// An empty body is a valid report with no location.
	req := httptest.NewRequest("POST", "/public/campaigns/"+c.Code+"/reports", nil)
	assert.Equal(t, fiber.StatusCreated, s.send(req, "", "", nil))

	bad := fiber.Map{"location": fiber.Map{"lat": 123.0, "lng": 0.0}}
	assert.Equal(t, fiber.StatusBadRequest, s.do("POST", "/public/campaigns/"+c.Code+"/reports", "", "", bad, nil))
}

func TestRoleChecks(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.createCampaign(1000)

	assert.Equal(t, fiber.StatusUnauthorized, s.do("GET", "/campaigns", "", "", nil, nil))
	assert.Equal(t, fiber.StatusForbidden, s.do("GET", "/campaigns", "worker-1", "worker", nil, nil))
	assert.Equal(t, fiber.StatusForbidden, s.do("GET", "/bounties", "owner-1", "owner", nil, nil))
	assert.Equal(t, fiber.StatusForbidden, s.do("POST", "/admin/sweep", "worker-1", "worker", nil, nil))
	assert.Equal(t, fiber.StatusForbidden, s.do("GET", "/campaigns/"+c.ID, "owner-2", "owner", nil, nil))
	assert.Equal(t, fiber.StatusOK, s.do("GET", "/campaigns/"+c.ID, "ops-1", "admin", nil, nil))
}

func TestCampaignStatusAndDeployments(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.createCampaign(1000)
	path := "/campaigns/" + c.ID

	var paused models.Campaign
	require.Equal(t, fiber.StatusOK, s.do("PATCH", path+"/status", "owner-1", "owner", fiber.Map{"status": "Paused"}, &paused))
	assert.Equal(t, models.CampaignPaused, paused.Status)
	assert.Equal(t, fiber.StatusNotFound, s.do("POST", "/public/campaigns/"+c.Code+"/reports", "", "", fiber.Map{}, nil))
	assert.Equal(t, fiber.StatusBadRequest, s.do("PATCH", path+"/status", "owner-1", "owner", fiber.Map{"status": "archived"}, nil))

	require.Equal(t, fiber.StatusCreated, s.do("POST", path+"/deployments", "owner-1", "owner", fiber.Map{"count": 12, "note": "north side"}, nil))
	assert.Equal(t, fiber.StatusBadRequest, s.do("POST", path+"/deployments", "owner-1", "owner", fiber.Map{"count": 0}, nil))

	var stats models.CampaignStats
	require.Equal(t, fiber.StatusOK, s.do("GET", path+"/stats", "owner-1", "owner", nil, &stats))
	assert.Equal(t, int64(12), stats.SignsDeployed)

	var overview services.OwnerOverview
	require.Equal(t, fiber.StatusOK, s.do("GET", "/owner/overview", "owner-1", "owner", nil, &overview))
	assert.Equal(t, 1, overview.TotalCampaigns)
	assert.Equal(t, 0, overview.ActiveCampaigns)

	require.Equal(t, fiber.StatusOK, s.do("PATCH", path+"/status", "owner-1", "owner", fiber.Map{"status": "completed"}, nil))
	assert.Equal(t, fiber.StatusConflict, s.do("PATCH", path+"/status", "owner-1", "owner", fiber.Map{"status": "active"}, nil))
}

func TestClaimVerifyFlow(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.createCampaign(2500)
	r := s.submitReport(c.Code, 51.5, -0.12)

	var bounties struct {
		Bounties []services.Bounty `json:"bounties"`
	}
	require.Equal(t, fiber.StatusOK, s.do("GET", "/bounties?lat=51.5&lng=-0.12", "worker-1", "worker", nil, &bounties))
	require.Len(t, bounties.Bounties, 1)
	assert.Equal(t, r.ID, bounties.Bounties[0].ReportID)
	assert.Equal(t, fiber.StatusBadRequest, s.do("GET", "/bounties?lat=north", "worker-1", "worker", nil, nil))

	var claim models.Claim
	require.Equal(t, fiber.StatusCreated, s.do("POST", "/reports/"+r.ID+"/claim", "worker-1", "worker", nil, &claim))
	assert.Equal(t, models.ClaimActive, claim.Status)

	var lost map[string]any
	require.Equal(t, fiber.StatusConflict, s.do("POST", "/reports/"+r.ID+"/claim", "worker-2", "worker", nil, &lost))
	assert.Equal(t, "already_claimed", lost["code"])

	assert.Equal(t, fiber.StatusForbidden, s.do("POST", "/claims/"+claim.ID+"/verify", "worker-2", "worker", fiber.Map{"proof_ref": "x"}, nil))
	assert.Equal(t, fiber.StatusBadRequest, s.do("POST", "/claims/"+claim.ID+"/verify", "worker-1", "worker", fiber.Map{"proof_ref": " "}, nil))

	var verified struct {
		Claim  models.Claim        `json:"claim"`
		Payout models.PayoutRecord `json:"payout"`
	}
	require.Equal(t, fiber.StatusOK, s.do("POST", "/claims/"+claim.ID+"/verify", "worker-1", "worker", fiber.Map{"proof_ref": "proofs/photo.jpg"}, &verified))
	assert.Equal(t, models.ClaimCompleted, verified.Claim.Status)
	assert.Equal(t, models.PayoutSucceeded, verified.Payout.Status)
	assert.Equal(t, int64(2500), verified.Payout.Amount)

	assert.Equal(t, fiber.StatusConflict, s.do("POST", "/claims/"+claim.ID+"/verify", "worker-1", "worker", fiber.Map{"proof_ref": "again.jpg"}, nil))

	var earnings models.WorkerEarnings
	require.Equal(t, fiber.StatusOK, s.do("GET", "/worker/earnings", "worker-1", "worker", nil, &earnings))
	assert.Equal(t, int64(2500), earnings.TotalEarned)

	var mine struct {
		Claims []models.Claim `json:"claims"`
	}
	require.Equal(t, fiber.StatusOK, s.do("GET", "/worker/claims?status=completed", "worker-1", "worker", nil, &mine))
	assert.Len(t, mine.Claims, 1)
}

func TestReleaseReopensReport(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.createCampaign(500)
	r := s.submitReport(c.Code, 10, 10)

	var claim models.Claim
	require.Equal(t, fiber.StatusCreated, s.do("POST", "/reports/"+r.ID+"/claim", "worker-1", "worker", nil, &claim))
	assert.Equal(t, fiber.StatusForbidden, s.do("POST", "/claims/"+claim.ID+"/release", "worker-2", "worker", nil, nil))

	var released models.Claim
	require.Equal(t, fiber.StatusOK, s.do("POST", "/claims/"+claim.ID+"/release", "worker-1", "worker", nil, &released))
	assert.Equal(t, models.ClaimReleased, released.Status)

	assert.Equal(t, fiber.StatusCreated, s.do("POST", "/reports/"+r.ID+"/claim", "worker-2", "worker", nil, nil))
}

func multipartProof(t *testing.T, filename, contentType string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="proof"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write([]byte("\xff\xd8\xff fake jpeg"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func TestVerifyWithPhotoUpload(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.createCampaign(800)
	r := s.submitReport(c.Code, 1, 1)

	var claim models.Claim
	require.Equal(t, fiber.StatusCreated, s.do("POST", "/reports/"+r.ID+"/claim", "worker-1", "worker", nil, &claim))

	body, ct := multipartProof(t, "notes.txt", "text/plain")
	req := httptest.NewRequest("POST", "/claims/"+claim.ID+"/verify", body)
	req.Header.Set("Content-Type", ct)
	assert.Equal(t, fiber.StatusBadRequest, s.send(req, "worker-1", "worker", nil))

	body, ct = multipartProof(t, "sign.jpg", "image/jpeg")
	req = httptest.NewRequest("POST", "/claims/"+claim.ID+"/verify", body)
	req.Header.Set("Content-Type", ct)
	var verified struct {
		Claim models.Claim `json:"claim"`
	}
	require.Equal(t, fiber.StatusOK, s.send(req, "worker-1", "worker", &verified))
	assert.True(t, strings.HasSuffix(verified.Claim.ProofRef, ".jpg"))
	assert.Contains(t, verified.Claim.ProofRef, "proofs/"+claim.ID+"/")
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.createCampaign(800)
	s.submitReport(c.Code, 1, 1)

	var sweep services.SweepReport
	require.Equal(t, fiber.StatusOK, s.do("POST", "/admin/sweep", "ops-1", "admin", nil, &sweep))
	assert.Zero(t, sweep.ClaimsExpired)

	var rec struct {
		Results []services.RepairResult `json:"results"`
	}
	require.Equal(t, fiber.StatusOK, s.do("POST", "/admin/reconcile", "ops-1", "admin", nil, &rec))
	require.Len(t, rec.Results, 1)
	assert.False(t, rec.Results[0].Drifted)

	var esc struct {
		Payouts []models.PayoutRecord `json:"payouts"`
	}
	require.Equal(t, fiber.StatusOK, s.do("GET", "/admin/payouts/escalations", "ops-1", "admin", nil, &esc))
	assert.Empty(t, esc.Payouts)
	assert.Equal(t, fiber.StatusNotFound, s.do("POST", "/admin/payouts/missing/retry", "ops-1", "admin", nil, nil))
}

func TestReportIntakeRateLimit(t *testing.T) {
	s := newTestServer(t, middleware.NewMemoryLimiter(1, 1))
	c := s.createCampaign(800)

	s.submitReport(c.Code, 1, 1)
	body := fiber.Map{"location": fiber.Map{"lat": 20.0, "lng": 20.0}}
	assert.Equal(t, fiber.StatusTooManyRequests, s.do("POST", "/public/campaigns/"+c.Code+"/reports", "", "", body, nil))
	// The landing page is not limited.
	assert.Equal(t, fiber.StatusOK, s.do("GET", "/public/campaigns/"+c.Code, "", "", nil, nil))
}
