//go:build integration

package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/quarterlit/sitecap/internal/dayreset"
	"github.com/quarterlit/sitecap/internal/domain"
	"github.com/quarterlit/sitecap/internal/infra"
	"github.com/quarterlit/sitecap/internal/ruleset"
	"github.com/quarterlit/sitecap/internal/scheduler"
	"github.com/quarterlit/sitecap/internal/sitename"
	"github.com/quarterlit/sitecap/internal/syncer"
)

// stepClock is a manually advanced clock shared with the scheduler so
// reset-boundary crossings can be simulated without waiting a day.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// liveTabs reports every tab as active; integration specs drive visits
// directly instead of through a browser.
type liveTabs struct{}

func (liveTabs) IsActive(context.Context, int) (bool, error) { return true, nil }

func (liveTabs) CurrentSite(context.Context) (*domain.TabRef, error) { return nil, nil }

// recorder counts presenter callbacks.
type recorder struct {
	mu       sync.Mutex
	hard     int
	soft     int
	sessions int
}

func (r *recorder) ShowSessionPrompt(domain.SiteID) {
	r.mu.Lock()
	r.sessions++
	r.mu.Unlock()
}

func (r *recorder) ShowSoftLimitExhausted(string, int, int) {
	r.mu.Lock()
	r.soft++
	r.mu.Unlock()
}

func (r *recorder) HardLimitReached(string) {
	r.mu.Lock()
	r.hard++
	r.mu.Unlock()
}

func (r *recorder) UsageUpdated(domain.UsageRecord) {}

func (r *recorder) RulesRecompiled() {}

func (r *recorder) hardCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hard
}

const rulesJSON = `{
  "rules": [
    {
      "id": "r-social",
      "name": "Social media",
      "type": "hard",
      "targets": [{"type": "group", "id": "g-social"}],
      "timeLimit": 1
    }
  ],
  "groups": [
    {
      "id": "g-social",
      "name": "Social",
      "items": [{"type": "url", "id": "https://social.example"}]
    }
  ]
}`

var _ = Describe("Tracking Engine", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		tmpDir string
		store  *infra.UsageStore
		clk    *stepClock
		pres   *recorder
		sched  *scheduler.Scheduler
		logger *zap.Logger
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())

		var err error
		tmpDir, err = os.MkdirTemp("", "sitecap-integration-*")
		Expect(err).NotTo(HaveOccurred())

		keys := infra.NewFileKeyProvider(tmpDir)
		key, err := keys.EnsureKey()
		Expect(err).NotTo(HaveOccurred())

		store, err = infra.NewUsageStore(tmpDir, key)
		Expect(err).NotTo(HaveOccurred())

		logger = zap.NewNop()
		clk = &stepClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
		pres = &recorder{}

		sched = scheduler.New(scheduler.Config{
			TickInterval: 10 * time.Millisecond,
			ResetTime:    dayreset.Default,
		}, store, liveTabs{}, pres, clk, logger)

		var doc struct {
			Rules  []domain.Rule  `json:"rules"`
			Groups []domain.Group `json:"groups"`
		}
		Expect(sonic.UnmarshalString(rulesJSON, &doc)).To(Succeed())
		sched.SetIndex(ctx, ruleset.Compile(doc.Rules, doc.Groups, logger))
	})

	AfterEach(func() {
		sched.Stop(ctx)
		cancel()
		store.Close()
		os.RemoveAll(tmpDir)
	})

	Describe("hard limit enforcement", func() {
		It("blocks after the allowance is spent and resumes after the reset boundary", func() {
			site := sitename.Normalize("https://m.social.example/feed")
			Expect(string(site)).To(Equal("social.example"))

			sched.Start(ctx, 7, site)

			// One minute allowance at one second per tick.
			Eventually(pres.hardCount, 5*time.Second, 10*time.Millisecond).Should(Equal(1))

			spent := func() int {
				rec, err := store.Get(ctx, site)
				Expect(err).NotTo(HaveOccurred())
				Expect(rec).NotTo(BeNil())
				return rec.TimeSpent
			}
			Expect(spent()).To(Equal(60))

			// Blocked: no further ticks, no repeat notification.
			Consistently(spent, 200*time.Millisecond, 50*time.Millisecond).Should(Equal(60))
			Expect(pres.hardCount()).To(Equal(1))

			// Revisiting before the boundary stays blocked.
			sched.Start(ctx, 8, site)
			Consistently(spent, 200*time.Millisecond, 50*time.Millisecond).Should(Equal(60))

			// Past the 04:00 boundary the counter resets and tracking resumes.
			clk.Advance(24 * time.Hour)
			sched.Start(ctx, 9, site)
			Eventually(spent, 2*time.Second, 10*time.Millisecond).Should(
				SatisfyAll(BeNumerically(">=", 1), BeNumerically("<", 60)))
			Expect(pres.hardCount()).To(Equal(1))
		})
	})

	Describe("usage sync", func() {
		It("delivers accumulated usage as full-record payloads", func() {
			var (
				mu       sync.Mutex
				payloads []domain.SyncPayload
			)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, err := io.ReadAll(r.Body)
				Expect(err).NotTo(HaveOccurred())
				var p domain.SyncPayload
				Expect(sonic.Unmarshal(body, &p)).To(Succeed())
				mu.Lock()
				payloads = append(payloads, p)
				mu.Unlock()
				w.WriteHeader(http.StatusNoContent)
			}))
			defer srv.Close()

			transport := infra.NewHTTPSyncTransport(srv.URL, logger)
			defer transport.Close()
			agent := syncer.New(sched, transport, "user-1", "device-1", time.Second, logger)

			site := sitename.Normalize("social.example")
			sched.Start(ctx, 7, site)

			spent := func() int {
				rec, err := store.Get(ctx, site)
				Expect(err).NotTo(HaveOccurred())
				if rec == nil {
					return 0
				}
				return rec.TimeSpent
			}
			Eventually(spent, 2*time.Second, 10*time.Millisecond).Should(BeNumerically(">=", 3))

			agent.Flush(ctx)

			Eventually(func() int {
				mu.Lock()
				defer mu.Unlock()
				return len(payloads)
			}, 2*time.Second, 10*time.Millisecond).Should(BeNumerically(">=", 1))

			mu.Lock()
			p := payloads[0]
			mu.Unlock()
			Expect(p.UserID).To(Equal("user-1"))
			Expect(p.DeviceID).To(Equal("device-1"))
			Expect(p.FlushID).NotTo(BeEmpty())
			Expect(p.Site).To(Equal(site))
			Expect(p.TimeSpent).To(BeNumerically(">=", 3))
			Expect(p.TimeLimit).To(Equal(60))
		})
	})

	Describe("rules file watch", func() {
		It("signals a change after the file is rewritten", func() {
			path := filepath.Join(tmpDir, "rules.json")
			Expect(os.WriteFile(path, []byte(rulesJSON), 0644)).To(Succeed())

			src, err := infra.NewFileRuleSource(path, logger)
			Expect(err).NotTo(HaveOccurred())
			defer src.Close()

			rules, groups, err := src.Load(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(rules).To(HaveLen(1))
			Expect(groups).To(HaveLen(1))

			Expect(os.WriteFile(path, []byte(`{"rules": [], "groups": []}`), 0644)).To(Succeed())

			Eventually(src.Changes(), 2*time.Second).Should(Receive())

			rules, _, err = src.Load(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(rules).To(BeEmpty())
		})
	})
})
