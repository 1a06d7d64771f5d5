package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"biomeai-go/internal/apperr"
	"biomeai-go/internal/config"
	"biomeai-go/internal/model"
	"biomeai-go/pkg/llm"
	"biomeai-go/pkg/tasks"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ---- 手写 mock ----

type mockEventRepo struct {
	seen map[string]bool
}

func (m *mockEventRepo) MarkProcessed(_ context.Context, eventID string) (bool, error) {
	if m.seen[eventID] {
		return false, nil
	}
	m.seen[eventID] = true
	return true, nil
}

func (m *mockEventRepo) Release(_ context.Context, eventID string) error {
	delete(m.seen, eventID)
	return nil
}

type mockMessageRepo struct {
	messages  []*model.Message
	nextID    uint
	appendErr error // 下一次 Append 返回该错误，之后清除
}

func (m *mockMessageRepo) Append(msg *model.Message) error {
	if m.appendErr != nil {
		err := m.appendErr
		m.appendErr = nil
		return err
	}
	m.nextID++
	msg.ID = m.nextID
	msg.CreatedAt = time.Now()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *mockMessageRepo) Recent(reportID uint, limit int) ([]*model.Message, error) {
	var out []*model.Message
	for _, msg := range m.messages {
		if msg.ReportID == reportID {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *mockMessageRepo) Count() (int64, error) { return int64(len(m.messages)), nil }

func (m *mockMessageRepo) TotalCost() (float64, error) {
	var total float64
	for _, msg := range m.messages {
		total += msg.CostUSD
	}
	return total, nil
}

func (m *mockMessageRepo) byReport(reportID uint) []*model.Message {
	out, _ := m.Recent(reportID, len(m.messages)+1)
	return out
}

type mockReportRepo struct {
	reports map[uint]*model.Report
	nextID  uint
	msgs    *mockMessageRepo
}

func (m *mockReportRepo) Create(report *model.Report) error {
	m.nextID++
	report.ID = m.nextID
	m.reports[report.ID] = report
	return nil
}

func (m *mockReportRepo) FindByID(reportID uint) (*model.Report, error) {
	report, ok := m.reports[reportID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return report, nil
}

func (m *mockReportRepo) FindByThreadID(threadID string) (*model.Report, error) {
	for _, r := range m.reports {
		if r.ThreadID == threadID {
			return r, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockReportRepo) Update(report *model.Report) error {
	m.reports[report.ID] = report
	return nil
}

func (m *mockReportRepo) AdvanceStageWithMessage(report *model.Report, next model.Stage, msg *model.Message) error {
	if !report.ConversationStage.CanAdvanceTo(next) {
		return fmt.Errorf("非法的阶段转移: %s -> %s", report.ConversationStage, next)
	}
	report.ConversationStage = next
	m.reports[report.ID] = report
	if msg != nil {
		msg.ReportID = report.ID
		return m.msgs.Append(msg)
	}
	return nil
}

func (m *mockReportRepo) Count() (int64, error) { return int64(len(m.reports)), nil }

type mockUserRepo struct {
	users  map[string]*model.User
	nextID uint
}

func (m *mockUserRepo) UpsertByExternalID(externalID, username string) (*model.User, error) {
	if u, ok := m.users[externalID]; ok {
		u.Username = username
		return u, nil
	}
	m.nextID++
	u := &model.User{ID: m.nextID, ExternalID: externalID, Username: username}
	m.users[externalID] = u
	return u, nil
}

func (m *mockUserRepo) FindByExternalID(externalID string) (*model.User, error) {
	u, ok := m.users[externalID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return u, nil
}

func (m *mockUserRepo) FindByID(userID uint) (*model.User, error) {
	for _, u := range m.users {
		if u.ID == userID {
			return u, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockUserRepo) Count() (int64, error) { return int64(len(m.users)), nil }

type mockRetrieval struct {
	chunks  []*model.ReportChunk
	queries []string
	err     error
}

func (m *mockRetrieval) Retrieve(_ context.Context, _ uint, query string, _ int) ([]*model.ReportChunk, error) {
	m.queries = append(m.queries, query)
	if m.err != nil {
		return nil, m.err
	}
	return m.chunks, nil
}

type mockLLM struct {
	calls     int
	failCalls map[int]bool // 第 n 次调用返回错误
	rateLimit bool
	content   string
	prompts   [][]llm.Message
}

func (m *mockLLM) ChatMessages(_ context.Context, messages []llm.Message, _ *llm.GenerationParams) (*llm.ChatResult, error) {
	m.calls++
	m.prompts = append(m.prompts, messages)
	if m.failCalls[m.calls] {
		return nil, &apperr.ModelCallError{Err: errors.New("boom"), RateLimited: m.rateLimit}
	}
	content := m.content
	if content == "" {
		content = "generated"
	}
	return &llm.ChatResult{
		Content: content,
		Usage:   llm.Usage{PromptTokens: 100, CompletionTokens: 50},
		CostUSD: 0.00075,
	}, nil
}

type mockSender struct {
	sent []string
}

func (m *mockSender) Send(_, content string) error {
	m.sent = append(m.sent, content)
	return nil
}

// ---- 测试夹具 ----

type convFixture struct {
	svc       *conversationService
	users     *mockUserRepo
	reports   *mockReportRepo
	messages  *mockMessageRepo
	events    *mockEventRepo
	retrieval *mockRetrieval
	llm       *mockLLM
	sender    *mockSender
	produced  []tasks.ReportIngestTask
}

func newConvFixture() *convFixture {
	f := &convFixture{
		users:    &mockUserRepo{users: map[string]*model.User{}},
		messages: &mockMessageRepo{},
		events:   &mockEventRepo{seen: map[string]bool{}},
		retrieval: &mockRetrieval{chunks: []*model.ReportChunk{
			{ID: 1, Content: "Bacteroides elevated"},
			{ID: 2, Content: "Low SCFA producers"},
		}},
		llm:    &mockLLM{failCalls: map[int]bool{}},
		sender: &mockSender{},
	}
	f.reports = &mockReportRepo{reports: map[uint]*model.Report{}, msgs: f.messages}

	ingestCfg := config.IngestConfig{TopK: 5, HistoryWindow: 10, MaxFileBytes: 1 << 20}
	svc := NewConversationService(
		f.users, f.reports, f.messages, f.events,
		f.retrieval, NewStageDetector(),
		NewPromptBuilder(config.LLMGenerationConfig{PredictionMaxTokens: 400}, ingestCfg),
		f.llm, f.sender,
		config.MinIOConfig{BucketName: "reports"}, ingestCfg,
	).(*conversationService)
	svc.retryBackoff = 0
	svc.putFile = func(_ context.Context, _, _ string, _ []byte) error { return nil }
	svc.produce = func(task tasks.ReportIngestTask) error {
		f.produced = append(f.produced, task)
		return nil
	}
	f.svc = svc
	return f
}

// seedReport 直接造一个处于给定阶段的报告，跳过上传流程。
func (f *convFixture) seedReport(threadID string, stage model.Stage) *model.Report {
	report := &model.Report{
		ThreadID:          threadID,
		UserID:            1,
		Metadata:          datatypes.JSONMap{},
		ConversationStage: stage,
	}
	_ = f.reports.Create(report)
	return report
}

func (f *convFixture) message(eventID, threadID, content string) MessageEvent {
	return MessageEvent{EventID: eventID, ThreadID: threadID, ExternalUserID: "u1", Username: "alice", Content: content}
}

// ---- 场景测试 ----

func TestCanonicalScriptedRun(t *testing.T) {
	f := newConvFixture()
	ctx := context.Background()

	err := f.svc.HandleUploadEvent(ctx, UploadEvent{
		EventID: "e1", ThreadID: "t1", ExternalUserID: "u1",
		Username: "alice", FileName: "report.pdf", Data: []byte("%PDF-"),
	})
	if err != nil {
		t.Fatalf("上传事件处理失败: %v", err)
	}
	if len(f.produced) != 1 {
		t.Fatalf("应投递一个摄取任务, got: %d", len(f.produced))
	}

	report, err := f.reports.FindByThreadID("t1")
	if err != nil {
		t.Fatalf("报告未创建: %v", err)
	}
	if report.ConversationStage != model.StageAwaitingUpload {
		t.Fatalf("上传后阶段应为 awaiting_upload, got: %s", report.ConversationStage)
	}

	// 摄取完成：带采样日期的开场
	sampleDate := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	report.SampleDate = &sampleDate
	report.Metadata["sample_age_months"] = 7
	if err := f.svc.DeliverGreeting(ctx, report); err != nil {
		t.Fatalf("开场消息失败: %v", err)
	}
	greeting := f.sender.sent[len(f.sender.sent)-1]
	if !strings.Contains(greeting, "January 15, 2024") || !strings.Contains(greeting, "7 months") {
		t.Fatalf("开场应引用检测到的采样日期: %q", greeting)
	}
	if report.ConversationStage != model.StageAwaitingDateOrAntibiotics {
		t.Fatalf("开场后阶段错误: %s", report.ConversationStage)
	}

	// 脚本化四轮：抗生素 → 饮食 → 精力 → 消化
	turns := []struct {
		eventID string
		answer  string
		want    model.Stage
	}{
		{"e2", "no antibiotics", model.StageAwaitingDietConfirmation},
		{"e3", "mostly vegetarian, lots of fiber", model.StageAwaitingEnergyConfirmation},
		{"e4", "energy is steady", model.StageAwaitingDigestiveConfirmation},
		{"e5", "occasional bloating", model.StageFreeformQA},
	}
	for _, turn := range turns {
		if err := f.svc.HandleMessageEvent(ctx, f.message(turn.eventID, "t1", turn.answer)); err != nil {
			t.Fatalf("轮次 %s 处理失败: %v", turn.eventID, err)
		}
		if report.ConversationStage != turn.want {
			t.Fatalf("轮次 %s 后阶段应为 %s, got: %s", turn.eventID, turn.want, report.ConversationStage)
		}
	}

	// 摘要恰好出现一次
	var summaries int
	for _, msg := range f.messages.byReport(report.ID) {
		if strings.HasPrefix(msg.Content, summaryHeader) {
			summaries++
		}
	}
	if summaries != 1 {
		t.Fatalf("摘要应恰好出现一次, got: %d", summaries)
	}

	// 摘要后恰好两条自动跟进：洞察 + 问答邀请
	n := len(f.sender.sent)
	if f.sender.sent[n-1] != qaInvitation {
		t.Fatalf("最后一条应为问答邀请: %q", f.sender.sent[n-1])
	}
	if !strings.HasPrefix(f.sender.sent[n-2], insightHeader) {
		t.Fatalf("倒数第二条应为跟进洞察: %q", f.sender.sent[n-2])
	}
	if !strings.HasPrefix(f.sender.sent[n-3], summaryHeader) {
		t.Fatalf("倒数第三条应为摘要: %q", f.sender.sent[n-3])
	}

	// 之后的轮次留在自由问答
	if err := f.svc.HandleMessageEvent(ctx, f.message("e6", "t1", "what about fiber?")); err != nil {
		t.Fatalf("问答轮次失败: %v", err)
	}
	if report.ConversationStage != model.StageFreeformQA {
		t.Fatalf("问答后应保持自由问答, got: %s", report.ConversationStage)
	}
	// 问答检索用的是用户原话
	lastQuery := f.retrieval.queries[len(f.retrieval.queries)-1]
	if lastQuery != "what about fiber?" {
		t.Fatalf("问答应以用户原话检索, got: %q", lastQuery)
	}
	// 助手回复记录了引用的分块
	msgs := f.messages.byReport(report.ID)
	last := msgs[len(msgs)-1]
	if len(last.RetrievedChunkIDs) != 2 || last.RetrievedChunkIDs[0] != 1 {
		t.Fatalf("问答回复应记录引用分块: %v", last.RetrievedChunkIDs)
	}
	if last.InputTokens != 100 || last.OutputTokens != 50 || last.CostUSD == 0 {
		t.Fatalf("问答回复应记录用量与费用: %+v", last)
	}
}

func TestSummaryTurnModelFailure(t *testing.T) {
	f := newConvFixture()
	report := f.seedReport("t1", model.StageAwaitingDigestiveConfirmation)
	// 摘要两次调用都失败（首次 + 单次重试）
	f.llm.failCalls = map[int]bool{1: true, 2: true}

	if err := f.svc.HandleMessageEvent(context.Background(), f.message("e1", "t1", "bloating")); err != nil {
		t.Fatalf("本轮应以道歉收尾而非报错: %v", err)
	}

	if f.llm.calls != 2 {
		t.Fatalf("应恰好重试一次（共 2 次调用）, got: %d", f.llm.calls)
	}
	if report.ConversationStage != model.StageAwaitingDigestiveConfirmation {
		t.Fatalf("摘要失败不应推进阶段, got: %s", report.ConversationStage)
	}

	var apologies, summaries int
	for _, msg := range f.messages.byReport(report.ID) {
		if msg.Content == apologyText {
			apologies++
		}
		if strings.HasPrefix(msg.Content, summaryHeader) {
			summaries++
		}
	}
	if apologies != 1 {
		t.Fatalf("应恰好落库一条道歉消息, got: %d", apologies)
	}
	if summaries != 0 {
		t.Fatalf("失败的摘要不应落库, got: %d", summaries)
	}
}

func TestSummaryTurnRateLimitedRetrySucceeds(t *testing.T) {
	f := newConvFixture()
	report := f.seedReport("t1", model.StageAwaitingDigestiveConfirmation)
	f.llm.failCalls = map[int]bool{1: true}
	f.llm.rateLimit = true

	if err := f.svc.HandleMessageEvent(context.Background(), f.message("e1", "t1", "bloating")); err != nil {
		t.Fatalf("限流后的重试应成功: %v", err)
	}
	if report.ConversationStage != model.StageFreeformQA {
		t.Fatalf("重试成功应完成摘要流程, got: %s", report.ConversationStage)
	}
}

func TestInsightDegradesToStaticText(t *testing.T) {
	f := newConvFixture()
	report := f.seedReport("t1", model.StageAwaitingDigestiveConfirmation)
	// 摘要成功（第 1 次），洞察两次调用都失败（第 2、3 次）
	f.llm.failCalls = map[int]bool{2: true, 3: true}

	if err := f.svc.HandleMessageEvent(context.Background(), f.message("e1", "t1", "none")); err != nil {
		t.Fatalf("洞察降级不应让本轮失败: %v", err)
	}

	var foundFallback bool
	for _, msg := range f.messages.byReport(report.ID) {
		if msg.Content == insightFallback {
			foundFallback = true
		}
	}
	if !foundFallback {
		t.Fatal("洞察失败时应落库固定文案")
	}
	if report.ConversationStage != model.StageFreeformQA {
		t.Fatalf("降级后流程仍应走完, got: %s", report.ConversationStage)
	}
	if f.sender.sent[len(f.sender.sent)-1] != qaInvitation {
		t.Fatalf("最后一条仍应为问答邀请: %q", f.sender.sent[len(f.sender.sent)-1])
	}
}

func TestDuplicateEventsDropped(t *testing.T) {
	f := newConvFixture()
	f.seedReport("t1", model.StageFreeformQA)
	ctx := context.Background()

	if err := f.svc.HandleMessageEvent(ctx, f.message("dup", "t1", "question one")); err != nil {
		t.Fatalf("首次事件失败: %v", err)
	}
	before := len(f.messages.messages)

	if err := f.svc.HandleMessageEvent(ctx, f.message("dup", "t1", "question one")); err != nil {
		t.Fatalf("重复事件不应报错: %v", err)
	}
	if len(f.messages.messages) != before {
		t.Fatalf("重复事件不应产生新消息: %d -> %d", before, len(f.messages.messages))
	}
}

func TestMessageForUnknownThreadIgnored(t *testing.T) {
	f := newConvFixture()
	if err := f.svc.HandleMessageEvent(context.Background(), f.message("e1", "nope", "hello")); err != nil {
		t.Fatalf("未知线程应被忽略而非报错: %v", err)
	}
	if len(f.messages.messages) != 0 {
		t.Fatalf("未知线程不应落库消息, got: %d", len(f.messages.messages))
	}
}

func TestMessageWhileIngesting(t *testing.T) {
	f := newConvFixture()
	report := f.seedReport("t1", model.StageAwaitingUpload)

	if err := f.svc.HandleMessageEvent(context.Background(), f.message("e1", "t1", "are you done?")); err != nil {
		t.Fatalf("摄取中的消息处理失败: %v", err)
	}
	if report.ConversationStage != model.StageAwaitingUpload {
		t.Fatalf("摄取完成前不应推进阶段, got: %s", report.ConversationStage)
	}
	if f.sender.sent[len(f.sender.sent)-1] != stillIngesting {
		t.Fatalf("应回复等待文案: %q", f.sender.sent[len(f.sender.sent)-1])
	}
	if f.llm.calls != 0 {
		t.Fatalf("摄取中不应调用模型, got: %d", f.llm.calls)
	}
}

func TestGreetingWithoutSampleDate(t *testing.T) {
	f := newConvFixture()
	report := f.seedReport("t1", model.StageAwaitingUpload)

	if err := f.svc.DeliverGreeting(context.Background(), report); err != nil {
		t.Fatalf("开场消息失败: %v", err)
	}
	greeting := f.sender.sent[len(f.sender.sent)-1]
	if !strings.Contains(greeting, "When did you take this test?") {
		t.Fatalf("缺失日期时开场应追问日期: %q", greeting)
	}
}

func TestPredictionTurnStoresMetadataAndSeeds(t *testing.T) {
	f := newConvFixture()
	report := f.seedReport("t1", model.StageAwaitingDateOrAntibiotics)

	if err := f.svc.HandleMessageEvent(context.Background(), f.message("e1", "t1", "took amoxicillin in May")); err != nil {
		t.Fatalf("预测轮次失败: %v", err)
	}
	if got := report.Metadata["antibiotics_response"]; got != "took amoxicillin in May" {
		t.Fatalf("用户回答应写入元数据, got: %v", got)
	}
	if f.retrieval.queries[0] != "diet microbiome bacteria" {
		t.Fatalf("饮食预测应使用种子检索语句, got: %q", f.retrieval.queries[0])
	}
	reply := f.sender.sent[len(f.sender.sent)-1]
	if !strings.Contains(reply, "I predict you typically eat") {
		t.Fatalf("回复应为饮食预测包装: %q", reply)
	}
}

func TestFailedTurnRedeliveryIsReprocessed(t *testing.T) {
	f := newConvFixture()
	report := f.seedReport("t1", model.StageFreeformQA)
	ctx := context.Background()

	f.messages.appendErr = errors.New("db down")
	if err := f.svc.HandleMessageEvent(ctx, f.message("e1", "t1", "what about fiber?")); err == nil {
		t.Fatal("落库失败应向调用方返回错误")
	}
	if got := len(f.messages.byReport(report.ID)); got != 0 {
		t.Fatalf("失败的轮次不应留下消息, got: %d", got)
	}

	// 协作方按 at-least-once 重投递同一事件，应被重新处理而非丢弃
	if err := f.svc.HandleMessageEvent(ctx, f.message("e1", "t1", "what about fiber?")); err != nil {
		t.Fatalf("重投递应重做本轮: %v", err)
	}
	msgs := f.messages.byReport(report.ID)
	if len(msgs) != 2 {
		t.Fatalf("重投递应完成问答轮次, got: %d 条消息", len(msgs))
	}
	if msgs[len(msgs)-1].Role != model.RoleAssistant {
		t.Fatalf("重投递后应有助手回复: %+v", msgs[len(msgs)-1])
	}
}

func TestFailedUploadRedeliveryIsReprocessed(t *testing.T) {
	f := newConvFixture()
	ctx := context.Background()

	broken := true
	f.svc.produce = func(task tasks.ReportIngestTask) error {
		if broken {
			return errors.New("kafka down")
		}
		f.produced = append(f.produced, task)
		return nil
	}

	ev := UploadEvent{
		EventID: "e1", ThreadID: "t1", ExternalUserID: "u1",
		Username: "alice", FileName: "report.pdf", Data: []byte("%PDF-"),
	}
	if err := f.svc.HandleUploadEvent(ctx, ev); err == nil {
		t.Fatal("任务投递失败应向调用方返回错误")
	}

	broken = false
	if err := f.svc.HandleUploadEvent(ctx, ev); err != nil {
		t.Fatalf("重投递应重做上传轮次: %v", err)
	}
	if len(f.produced) != 1 {
		t.Fatalf("重投递应恰好投递一个摄取任务, got: %d", len(f.produced))
	}
	if len(f.reports.reports) != 1 {
		t.Fatalf("同一线程重投递应复用报告记录, got: %d", len(f.reports.reports))
	}
}

func TestSummaryPromptIncludesAnswerOnce(t *testing.T) {
	f := newConvFixture()
	f.seedReport("t1", model.StageAwaitingDigestiveConfirmation)
	answer := "daily bloating after lunch"

	if err := f.svc.HandleMessageEvent(context.Background(), f.message("e1", "t1", answer)); err != nil {
		t.Fatalf("摘要轮次失败: %v", err)
	}

	// 第一次模型调用是摘要提示，回答只应经由元数据出现一次
	var sb strings.Builder
	for _, m := range f.llm.prompts[0] {
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	if got := strings.Count(sb.String(), answer); got != 1 {
		t.Fatalf("消化回答在摘要提示里应恰好出现一次, got: %d", got)
	}
}

func TestGreetingWaitsForInFlightTurn(t *testing.T) {
	f := newConvFixture()
	report := f.seedReport("t1", model.StageAwaitingUpload)

	mu := f.svc.lockFor(report.ID)
	mu.Lock()

	done := make(chan struct{})
	go func() {
		_ = f.svc.DeliverGreeting(context.Background(), report)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("报告锁被持有期间开场消息不应完成")
	case <-time.After(50 * time.Millisecond):
	}

	mu.Unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("锁释放后开场消息应完成")
	}
	if report.ConversationStage != model.StageAwaitingDateOrAntibiotics {
		t.Fatalf("开场后阶段错误: %s", report.ConversationStage)
	}
}

func TestRetrievalFailureDegradesToNoContext(t *testing.T) {
	f := newConvFixture()
	report := f.seedReport("t1", model.StageFreeformQA)
	f.retrieval.err = &apperr.EmbeddingError{Err: errors.New("api down")}

	if err := f.svc.HandleMessageEvent(context.Background(), f.message("e1", "t1", "what should I eat?")); err != nil {
		t.Fatalf("检索失败应降级而非终止本轮: %v", err)
	}
	msgs := f.messages.byReport(report.ID)
	last := msgs[len(msgs)-1]
	if last.Role != model.RoleAssistant || len(last.RetrievedChunkIDs) != 0 {
		t.Fatalf("降级回复不应携带引用分块: %+v", last)
	}
}
