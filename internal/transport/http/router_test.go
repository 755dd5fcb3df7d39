package httptransport

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jwtpkg "expirebot/backend/internal/auth/jwt"
	"expirebot/backend/internal/chat"
	"expirebot/backend/internal/chat/logchat"
	"expirebot/backend/internal/config"
	"expirebot/backend/internal/domain"
	"expirebot/backend/internal/health"
	"expirebot/backend/internal/scheduler"
	"expirebot/backend/internal/service"
	"expirebot/backend/internal/storage/memory"
)

type stubScheduler struct {
	mu        sync.Mutex
	scheduled map[domain.MessageRef]time.Time
	running   bool
}

func (s *stubScheduler) Schedule(ref domain.MessageRef, due time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled[ref] = due
}

func (s *stubScheduler) Status() scheduler.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return scheduler.Status{Running: s.running, Pending: len(s.scheduled)}
}

func (s *stubScheduler) Running() bool { return s.running }
func (s *stubScheduler) Overdue() int  { return 0 }

type testEnv struct {
	router  *gin.Engine
	store   *memory.Store
	sched   *stubScheduler
	replies *logchat.Client
	admin   string
	reader  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	sched := &stubScheduler{scheduled: make(map[domain.MessageRef]time.Time), running: true}
	replies := logchat.New(nil)

	policies := service.NewPolicyService(store, nil)
	tracker := service.NewTrackerService(store, store, nil, nil)
	expiry := service.NewExpiryService(tracker, sched, nil)
	levels := &chat.StaticPowerLevels{Users: map[string]int{"@mod:example.org": 50}}
	commands := service.NewCommandService(policies, chat.NewPowerLevelChecker(levels, chat.DefaultRedactLevel), replies, chat.DefaultRedactLevel, nil, nil)

	jwtManager := jwtpkg.NewManager("0123456789abcdef0123456789abcdef", "expirebot", time.Hour)
	adminTok, err := jwtManager.Issue("ops", jwtpkg.RoleAdmin)
	require.NoError(t, err)
	readerTok, err := jwtManager.Issue("viewer", jwtpkg.RoleReader)
	require.NoError(t, err)

	router := NewRouter(RouterDependencies{
		Config:         &config.Config{CORS: config.CORSConfig{AllowedOrigins: []string{"*"}}},
		PolicyService:  policies,
		TrackerService: tracker,
		ExpiryService:  expiry,
		CommandService: commands,
		Scheduler:      sched,
		Health:         health.NewHealthChecker(store, sched, nil),
		JWTManager:     jwtManager,
	})

	return &testEnv{
		router:  router,
		store:   store,
		sched:   sched,
		replies: replies,
		admin:   adminTok.AccessToken,
		reader:  readerTok.AccessToken,
	}
}

func (e *testEnv) do(method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var resp map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func roomPath(room, suffix string) string {
	return "/v1/rooms/" + url.PathEscape(room) + suffix
}

func TestRouter_Auth(t *testing.T) {
	env := newTestEnv(t)

	t.Run("缺少令牌", func(t *testing.T) {
		rec, _ := env.do(http.MethodGet, "/v1/rooms", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("只读令牌不能写", func(t *testing.T) {
		rec, _ := env.do(http.MethodPut, roomPath("!r:example.org", "/policy"), env.reader, map[string]string{"duration": "1h"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("只读令牌可以读", func(t *testing.T) {
		rec, _ := env.do(http.MethodGet, "/v1/rooms", env.reader, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("健康检查无需认证", func(t *testing.T) {
		rec, _ := env.do(http.MethodGet, "/health/live", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		rec, _ = env.do(http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRouter_PolicyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	room := "!policy:example.org"

	t.Run("未配置时 404", func(t *testing.T) {
		rec, _ := env.do(http.MethodGet, roomPath(room, "/policy"), env.admin, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("非法时长", func(t *testing.T) {
		rec, _ := env.do(http.MethodPut, roomPath(room, "/policy"), env.admin, map[string]string{"duration": "soon"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("设置后可以查询", func(t *testing.T) {
		rec, resp := env.do(http.MethodPut, roomPath(room, "/policy"), env.admin, map[string]string{"duration": "1d2h"})
		require.Equal(t, http.StatusOK, rec.Code)
		data := resp["data"].(map[string]interface{})
		assert.Equal(t, true, data["enabled"])
		assert.Equal(t, "1d2h", data["duration"])
		assert.Equal(t, "api:ops", data["updatedBy"])

		rec, resp = env.do(http.MethodGet, roomPath(room, "/policy"), env.admin, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		data = resp["data"].(map[string]interface{})
		assert.Equal(t, "enabled: true, duration: 1d2h", data["description"])
	})

	t.Run("关闭幂等", func(t *testing.T) {
		_, resp := env.do(http.MethodDelete, roomPath(room, "/policy"), env.admin, nil)
		assert.Equal(t, true, resp["data"].(map[string]interface{})["changed"])

		_, resp = env.do(http.MethodDelete, roomPath(room, "/policy"), env.admin, nil)
		assert.Equal(t, false, resp["data"].(map[string]interface{})["changed"])

		policy, err := env.store.GetPolicy(t.Context(), room)
		require.NoError(t, err)
		assert.False(t, policy.Enabled)
		assert.Equal(t, int64(26*3600), policy.DurationSeconds)
	})
}

func TestRouter_Events(t *testing.T) {
	env := newTestEnv(t)
	room := "!events:example.org"
	origin := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	event := func(id, kind string) map[string]interface{} {
		return map[string]interface{}{
			"roomId":          room,
			"messageId":       id,
			"kind":            kind,
			"originTimestamp": origin.Format(time.RFC3339),
		}
	}

	t.Run("无策略不登记", func(t *testing.T) {
		rec, resp := env.do(http.MethodPost, "/v1/events", env.admin, event("$a", "text"))
		require.Equal(t, http.StatusAccepted, rec.Code)
		data := resp["data"].(map[string]interface{})
		assert.Equal(t, false, data["tracked"])
		assert.Equal(t, service.SkipReasonNoPolicy, data["skipReason"])
	})

	rec, _ := env.do(http.MethodPut, roomPath(room, "/policy"), env.admin, map[string]string{"duration": "1h"})
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("登记并进入调度", func(t *testing.T) {
		rec, resp := env.do(http.MethodPost, "/v1/events", env.admin, event("$b", "m.image"))
		require.Equal(t, http.StatusAccepted, rec.Code)
		data := resp["data"].(map[string]interface{})
		assert.Equal(t, true, data["tracked"])
		assert.Equal(t, origin.Add(time.Hour).Format(time.RFC3339), data["deadline"])

		ref := domain.MessageRef{RoomID: room, MessageID: "$b"}
		assert.Equal(t, origin.Add(time.Hour), env.sched.scheduled[ref])
	})

	t.Run("重复投递", func(t *testing.T) {
		_, resp := env.do(http.MethodPost, "/v1/events", env.admin, event("$b", "m.image"))
		data := resp["data"].(map[string]interface{})
		assert.Equal(t, false, data["tracked"])
		assert.Equal(t, true, data["duplicate"])
	})

	t.Run("不支持的类型", func(t *testing.T) {
		_, resp := env.do(http.MethodPost, "/v1/events", env.admin, event("$c", "m.reaction"))
		data := resp["data"].(map[string]interface{})
		assert.Equal(t, service.SkipReasonKind, data["skipReason"])
	})

	t.Run("缺少时间", func(t *testing.T) {
		rec, _ := env.do(http.MethodPost, "/v1/events", env.admin, map[string]string{
			"roomId": room, "messageId": "$d", "kind": "text",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("列出房间消息", func(t *testing.T) {
		rec, resp := env.do(http.MethodGet, roomPath(room, "/messages"), env.reader, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		data := resp["data"].(map[string]interface{})
		assert.Equal(t, float64(1), data["count"])

		rec, resp = env.do(http.MethodGet, roomPath(room, "/messages/"+url.PathEscape("$b")), env.reader, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, string(domain.StatePending), resp["data"].(map[string]interface{})["state"])

		rec, _ = env.do(http.MethodGet, roomPath(room, "/messages/"+url.PathEscape("$zz")), env.reader, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("调度器状态", func(t *testing.T) {
		rec, resp := env.do(http.MethodGet, "/v1/scheduler", env.reader, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		data := resp["data"].(map[string]interface{})
		assert.Equal(t, true, data["running"])
		counts := data["counts"].(map[string]interface{})
		assert.Equal(t, float64(1), counts[string(domain.StatePending)])
	})
}

func TestRouter_Commands(t *testing.T) {
	env := newTestEnv(t)
	room := "!cmd:example.org"

	t.Run("权限不足", func(t *testing.T) {
		rec, resp := env.do(http.MethodPost, roomPath(room, "/commands"), env.admin, map[string]string{
			"senderId": "@nobody:example.org",
			"text":     "!expire set 1h",
		})
		require.Equal(t, http.StatusOK, rec.Code)
		data := resp["data"].(map[string]interface{})
		assert.Equal(t, "denied", data["result"])
		assert.Equal(t, "Only users with PL of 50 or higher can set message expiration.", data["reply"])
		assert.Equal(t, true, data["delivered"])
	})

	t.Run("设置并回复", func(t *testing.T) {
		_, resp := env.do(http.MethodPost, roomPath(room, "/commands"), env.admin, map[string]string{
			"senderId": "@mod:example.org",
			"text":     "!expire set 30m",
		})
		data := resp["data"].(map[string]interface{})
		assert.Equal(t, "ok", data["result"])
		assert.Equal(t, "Message expiration for this room set to 30m", data["reply"])

		replies := env.replies.Replies()
		require.NotEmpty(t, replies)
		assert.Equal(t, room, replies[len(replies)-1].RoomID)
	})

	t.Run("拆分形式的命令", func(t *testing.T) {
		_, resp := env.do(http.MethodPost, roomPath(room, "/commands"), env.admin, map[string]string{
			"senderId": "@nobody:example.org",
			"command":  "show",
		})
		data := resp["data"].(map[string]interface{})
		assert.Equal(t, "enabled: true, duration: 30m", data["reply"])
	})

	t.Run("不是命令", func(t *testing.T) {
		rec, _ := env.do(http.MethodPost, roomPath(room, "/commands"), env.admin, map[string]string{
			"senderId": "@mod:example.org",
			"text":     "hello",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRespondError_StorageFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.SetFailure(errors.New("db down"))

	rec, _ := env.do(http.MethodGet, "/v1/rooms", env.admin, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
