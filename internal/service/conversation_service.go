package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"biomeai-go/internal/apperr"
	"biomeai-go/internal/config"
	"biomeai-go/internal/model"
	"biomeai-go/internal/repository"
	"biomeai-go/pkg/kafka"
	"biomeai-go/pkg/llm"
	"biomeai-go/pkg/log"
	"biomeai-go/pkg/storage"
	"biomeai-go/pkg/tasks"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Sender 把助手消息交给外部消息协作方，由其投递到指定线程。
// 投递重试与已读回执由协作方负责，编排层不管理。
type Sender interface {
	Send(threadID, content string) error
}

// UploadEvent 是协作方送达的附件上传事件。
type UploadEvent struct {
	EventID        string
	ThreadID       string
	ExternalUserID string
	Username       string
	FileName       string
	Data           []byte
}

// MessageEvent 是协作方送达的普通消息事件。
type MessageEvent struct {
	EventID        string
	ThreadID       string
	ExternalUserID string
	Username       string
	Content        string
}

// 用户可见的固定文案。
const (
	uploadAck      = "📊 Analyzing your microbiome report..."
	stillIngesting = "📊 I'm still analyzing your report — give me a moment and I'll kick things off."
	apologyText    = "❌ Sorry, I encountered an error processing your question. Please try again."
)

// ConversationService 是顶层编排器：接收入站事件，依次调用阶段判定、
// 检索与提示词组装，持久化本轮消息并把产出交给协作方投递。
type ConversationService interface {
	HandleUploadEvent(ctx context.Context, ev UploadEvent) error
	HandleMessageEvent(ctx context.Context, ev MessageEvent) error
	// DeliverGreeting 在摄取完成后推进阶段并发送开场消息。
	DeliverGreeting(ctx context.Context, report *model.Report) error
}

type conversationService struct {
	userRepo    repository.UserRepository
	reportRepo  repository.ReportRepository
	messageRepo repository.MessageRepository
	eventRepo   repository.EventRepository
	retrieval   RetrievalService
	detector    StageDetector
	prompts     *PromptBuilder
	llmClient   llm.Client
	sender      Sender
	minioCfg    config.MinIOConfig
	ingestCfg   config.IngestConfig

	// 对象存储与任务队列的写入口，便于在测试中替换。
	putFile      func(ctx context.Context, bucket, object string, data []byte) error
	produce      func(task tasks.ReportIngestTask) error
	retryBackoff time.Duration

	// 每报告一把锁，串行化同一报告内的轮次。
	locks sync.Map
}

// NewConversationService 创建一个新的 ConversationService 实例。
func NewConversationService(
	userRepo repository.UserRepository,
	reportRepo repository.ReportRepository,
	messageRepo repository.MessageRepository,
	eventRepo repository.EventRepository,
	retrieval RetrievalService,
	detector StageDetector,
	prompts *PromptBuilder,
	llmClient llm.Client,
	sender Sender,
	minioCfg config.MinIOConfig,
	ingestCfg config.IngestConfig,
) ConversationService {
	return &conversationService{
		userRepo:     userRepo,
		reportRepo:   reportRepo,
		messageRepo:  messageRepo,
		eventRepo:    eventRepo,
		retrieval:    retrieval,
		detector:     detector,
		prompts:      prompts,
		llmClient:    llmClient,
		sender:       sender,
		minioCfg:     minioCfg,
		ingestCfg:    ingestCfg,
		putFile:      storage.PutReportFile,
		produce:      kafka.ProduceIngestTask,
		retryBackoff: 2 * time.Second,
	}
}

// lockFor 返回指定报告的互斥锁。
func (s *conversationService) lockFor(reportID uint) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(reportID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// HandleUploadEvent 处理附件上传：创建用户与报告、存原始文件、
// 投递摄取任务并向线程发送确认消息。重复事件直接丢弃；
// 本轮失败时释放去重标记，协作方的重投递会重做这一轮。
func (s *conversationService) HandleUploadEvent(ctx context.Context, ev UploadEvent) (retErr error) {
	fresh, err := s.eventRepo.MarkProcessed(ctx, ev.EventID)
	if err != nil {
		return err
	}
	if !fresh {
		log.Infof("[ConversationService] 忽略重复的上传事件, EventID: %s", ev.EventID)
		return nil
	}
	defer s.releaseOnError(ctx, ev.EventID, &retErr)

	user, err := s.userRepo.UpsertByExternalID(ev.ExternalUserID, ev.Username)
	if err != nil {
		return &apperr.StoreError{Err: err}
	}

	// 线程已有报告时复用其记录（重投递或同线程重新上传），
	// thread_id 唯一索引不允许第二条
	report, err := s.reportRepo.FindByThreadID(ev.ThreadID)
	switch {
	case err == nil:
		report.UserID = user.ID
		report.OriginalFilename = ev.FileName
		report.ConversationStage = model.StageAwaitingUpload
	case errors.Is(err, gorm.ErrRecordNotFound):
		report = &model.Report{
			UserID:            user.ID,
			ThreadID:          ev.ThreadID,
			OriginalFilename:  ev.FileName,
			Metadata:          datatypes.JSONMap{},
			ConversationStage: model.StageAwaitingUpload,
		}
		if err := s.reportRepo.Create(report); err != nil {
			return &apperr.StoreError{Err: err}
		}
	default:
		return &apperr.StoreError{Err: err}
	}

	mu := s.lockFor(report.ID)
	mu.Lock()
	defer mu.Unlock()

	objectName := storage.ReportObjectName(report.ID, ev.FileName)
	if err := s.putFile(ctx, s.minioCfg.BucketName, objectName, ev.Data); err != nil {
		log.Errorf("[ConversationService] 上传原始文件失败, ReportID: %d, Error: %v", report.ID, err)
		return err
	}
	report.ObjectName = objectName
	if err := s.reportRepo.Update(report); err != nil {
		return &apperr.StoreError{Err: err}
	}

	// 记录上传事件对应的用户消息
	eventID := ev.EventID
	userID := user.ID
	uploadMsg := &model.Message{
		ReportID: report.ID,
		UserID:   &userID,
		EventID:  &eventID,
		Role:     model.RoleUser,
		Content:  fmt.Sprintf("[PDF Upload: %s]", ev.FileName),
	}
	if err := s.appendDedup(uploadMsg); err != nil {
		return &apperr.StoreError{Err: err}
	}

	if err := s.produce(tasks.ReportIngestTask{
		ReportID:   report.ID,
		ObjectName: objectName,
		FileName:   ev.FileName,
		ThreadID:   ev.ThreadID,
		UserID:     user.ID,
	}); err != nil {
		log.Errorf("[ConversationService] 投递摄取任务失败, ReportID: %d, Error: %v", report.ID, err)
		return err
	}

	log.Infof("[ConversationService] 上传事件已受理, ReportID: %d, ThreadID: %s", report.ID, ev.ThreadID)
	return s.sender.Send(ev.ThreadID, uploadAck)
}

// releaseOnError 在本轮处理失败时撤销事件的去重标记。
func (s *conversationService) releaseOnError(ctx context.Context, eventID string, retErr *error) {
	if *retErr == nil {
		return
	}
	if err := s.eventRepo.Release(ctx, eventID); err != nil {
		log.Errorf("[ConversationService] 释放事件去重标记失败, EventID: %s, Error: %v", eventID, err)
	}
}

// appendDedup 落库消息，event_id 唯一索引冲突视为已在上一次投递中写入。
func (s *conversationService) appendDedup(msg *model.Message) error {
	if err := s.messageRepo.Append(msg); err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return err
	}
	return nil
}

// DeliverGreeting 摄取完成后的开场：引用解析到的采样日期（缺失则追问），
// 并在同一事务内把阶段推进到等待日期/抗生素回答。
func (s *conversationService) DeliverGreeting(ctx context.Context, report *model.Report) error {
	mu := s.lockFor(report.ID)
	mu.Lock()
	defer mu.Unlock()

	greeting := composeGreeting(report)

	msg := &model.Message{Role: model.RoleAssistant, Content: greeting}
	if err := s.reportRepo.AdvanceStageWithMessage(report, model.StageAwaitingDateOrAntibiotics, msg); err != nil {
		return &apperr.StoreError{Err: err}
	}
	return s.sender.Send(report.ThreadID, greeting)
}

// composeGreeting 生成摄取完成后的第一条助手消息。
func composeGreeting(report *model.Report) string {
	if report.SampleDate == nil {
		return "📅 Looks like the report date is missing.\nWhen did you take this test? (Month & year is enough.)\n\nAnd did you take any antibiotics around it?"
	}
	ageMonths := metadataInt(report.Metadata, "sample_age_months")
	return fmt.Sprintf(
		"📅 I see your microbiome report was generated on **%s**\nThat's roughly **%d months** ago. Gut profiles can shift fast, so I'll keep that in mind.\n\nDid you take any antibiotics around the time of the test?",
		report.SampleDate.Format("January 2, 2006"), ageMonths)
}

// HandleMessageEvent 处理线程内的普通消息：去重、加锁、判定阶段并分发。
// 本轮失败时释放去重标记，协作方的重投递会重做这一轮。
func (s *conversationService) HandleMessageEvent(ctx context.Context, ev MessageEvent) (retErr error) {
	fresh, err := s.eventRepo.MarkProcessed(ctx, ev.EventID)
	if err != nil {
		return err
	}
	if !fresh {
		log.Infof("[ConversationService] 忽略重复的消息事件, EventID: %s", ev.EventID)
		return nil
	}
	defer s.releaseOnError(ctx, ev.EventID, &retErr)

	report, err := s.reportRepo.FindByThreadID(ev.ThreadID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[ConversationService] 线程不属于任何报告, ThreadID: %s", ev.ThreadID)
			return nil
		}
		return &apperr.StoreError{Err: err}
	}

	mu := s.lockFor(report.ID)
	mu.Lock()
	defer mu.Unlock()

	// 锁内重新读取，拿到当前阶段的最新值
	report, err = s.reportRepo.FindByID(report.ID)
	if err != nil {
		return &apperr.StoreError{Err: err}
	}

	user, err := s.userRepo.UpsertByExternalID(ev.ExternalUserID, ev.Username)
	if err != nil {
		return &apperr.StoreError{Err: err}
	}

	eventID := ev.EventID
	userID := user.ID
	userMsg := &model.Message{
		ReportID: report.ID,
		UserID:   &userID,
		EventID:  &eventID,
		Role:     model.RoleUser,
		Content:  ev.Content,
	}
	if err := s.appendDedup(userMsg); err != nil {
		return &apperr.StoreError{Err: err}
	}

	recent, err := s.messageRepo.Recent(report.ID, s.historyWindow())
	if err != nil {
		return &apperr.StoreError{Err: err}
	}

	stage := s.detector.Detect(report, recent)
	log.Infof("[ConversationService] 处理消息事件, ReportID: %d, 阶段: %s", report.ID, stage)

	switch stage {
	case model.StageAwaitingUpload:
		// 摄取尚未完成，先安抚，不推进阶段
		if err := s.messageRepo.Append(&model.Message{ReportID: report.ID, Role: model.RoleAssistant, Content: stillIngesting}); err != nil {
			return &apperr.StoreError{Err: err}
		}
		return s.sender.Send(report.ThreadID, stillIngesting)
	case model.StageAwaitingDateOrAntibiotics:
		return s.handlePredictionTurn(ctx, report, ev.Content, "antibiotics_response", model.StageAwaitingDietConfirmation)
	case model.StageAwaitingDietConfirmation:
		return s.handlePredictionTurn(ctx, report, ev.Content, "diet_response", model.StageAwaitingEnergyConfirmation)
	case model.StageAwaitingEnergyConfirmation:
		return s.handlePredictionTurn(ctx, report, ev.Content, "energy_response", model.StageAwaitingDigestiveConfirmation)
	case model.StageAwaitingDigestiveConfirmation:
		return s.handleSummaryTurn(ctx, report, ev.Content, recent)
	case model.StageSummaryDelivered:
		// 正常流程里摘要轮会直接推进到自由问答，这里兜底遗留状态
		if err := s.reportRepo.AdvanceStageWithMessage(report, model.StageFreeformQA, nil); err != nil {
			log.Warnf("[ConversationService] 兜底推进阶段失败, ReportID: %d, Error: %v", report.ID, err)
		}
		return s.handleQATurn(ctx, report, ev.Content, recent)
	default:
		return s.handleQATurn(ctx, report, ev.Content, recent)
	}
}

// handlePredictionTurn 处理一个预测阶段轮次：记录用户回答，
// 用种子语句检索报告段落，生成预测并随阶段推进一并落库。
func (s *conversationService) handlePredictionTurn(ctx context.Context, report *model.Report, answer, metaKey string, next model.Stage) error {
	if err := s.storeMetadata(report, metaKey, answer); err != nil {
		return s.apologize(report, err)
	}

	stage := report.ConversationStage
	chunks := s.retrieveOrDegrade(ctx, report.ID, SeedQuery(stage), 3)

	messages, gen := s.prompts.PredictionMessages(stage, report, ChunkContents(chunks))
	result, err := s.callModel(ctx, messages, gen)
	if err != nil {
		return s.apologize(report, err)
	}

	wrapper := stageWrappers[stage]
	content := wrapper.Header + result.Content + wrapper.Footer
	msg := assistantMessage(content, result, ChunkIDs(chunks))
	if err := s.reportRepo.AdvanceStageWithMessage(report, next, msg); err != nil {
		return s.apologize(report, err)
	}
	return s.sender.Send(report.ThreadID, content)
}

// handleSummaryTurn 处理消化回答后的摘要轮次：生成阶段性摘要，
// 随后自动发送两条跟进消息（可执行洞察 + 问答邀请），
// 并把阶段一路推进到自由问答。
func (s *conversationService) handleSummaryTurn(ctx context.Context, report *model.Report, answer string, recent []*model.Message) error {
	if err := s.storeMetadata(report, "symptoms_response", answer); err != nil {
		return s.apologize(report, err)
	}

	chunks := s.retrieveOrDegrade(ctx, report.ID, SeedQuery(model.StageAwaitingDigestiveConfirmation), s.topK())

	// 消化回答已写入元数据，从历史窗口剔除避免在提示里重复出现
	if n := len(recent); n > 0 && recent[n-1].Role == model.RoleUser && recent[n-1].Content == answer {
		recent = recent[:n-1]
	}

	messages, gen := s.prompts.SummaryMessages(report, ChunkContents(chunks), recent)
	result, err := s.callModel(ctx, messages, gen)
	if err != nil {
		// 摘要失败：道歉且不推进阶段，下一条用户消息还会回到本轮
		return s.apologize(report, err)
	}

	content := summaryHeader + result.Content
	msg := assistantMessage(content, result, ChunkIDs(chunks))
	if err := s.reportRepo.AdvanceStageWithMessage(report, model.StageSummaryDelivered, msg); err != nil {
		return s.apologize(report, err)
	}
	if err := s.sender.Send(report.ThreadID, content); err != nil {
		return err
	}

	// 跟进一：可执行洞察。模型失败时降级为固定文案，不影响流程。
	insight := insightFallback
	var insightResult *llm.ChatResult
	imsgs, igen := s.prompts.InsightMessages(report, ChunkContents(chunks))
	if r, err := s.callModel(ctx, imsgs, igen); err == nil {
		insight = insightHeader + r.Content
		insightResult = r
	} else {
		log.Warnf("[ConversationService] 跟进洞察生成失败，使用固定文案, ReportID: %d, Error: %v", report.ID, err)
	}
	insightMsg := assistantMessage(insight, insightResult, nil)
	insightMsg.ReportID = report.ID
	if err := s.messageRepo.Append(insightMsg); err != nil {
		return &apperr.StoreError{Err: err}
	}
	if err := s.sender.Send(report.ThreadID, insight); err != nil {
		return err
	}

	// 跟进二：问答邀请，随它进入自由问答终态。
	inviteMsg := &model.Message{Role: model.RoleAssistant, Content: qaInvitation}
	if err := s.reportRepo.AdvanceStageWithMessage(report, model.StageFreeformQA, inviteMsg); err != nil {
		return &apperr.StoreError{Err: err}
	}
	log.Infof("[ConversationService] 阶段性摘要已发送, ReportID: %d", report.ID)
	return s.sender.Send(report.ThreadID, qaInvitation)
}

// handleQATurn 处理自由问答轮次：以用户原话检索，topK 个段落做上下文。
func (s *conversationService) handleQATurn(ctx context.Context, report *model.Report, question string, recent []*model.Message) error {
	chunks := s.retrieveOrDegrade(ctx, report.ID, question, s.topK())

	// 当前这条用户消息已经落库，避免在历史窗口里重复出现
	if n := len(recent); n > 0 && recent[n-1].Role == model.RoleUser && recent[n-1].Content == question {
		recent = recent[:n-1]
	}

	messages, gen := s.prompts.QAMessages(ChunkContents(chunks), recent, question)
	result, err := s.callModel(ctx, messages, gen)
	if err != nil {
		return s.apologize(report, err)
	}

	msg := assistantMessage(result.Content, result, ChunkIDs(chunks))
	msg.ReportID = report.ID
	if err := s.messageRepo.Append(msg); err != nil {
		return &apperr.StoreError{Err: err}
	}
	return s.sender.Send(report.ThreadID, result.Content)
}

// callModel 同步调用生成接口，最多自动重试一次；被限流时先退避。
func (s *conversationService) callModel(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams) (*llm.ChatResult, error) {
	result, err := s.llmClient.ChatMessages(ctx, messages, gen)
	if err == nil {
		return result, nil
	}
	if apperr.IsRateLimited(err) {
		log.Warnf("[ConversationService] 模型调用被限流，退避 %s 后重试", s.retryBackoff)
		time.Sleep(s.retryBackoff)
	} else {
		log.Warnf("[ConversationService] 模型调用失败，重试一次: %v", err)
	}
	return s.llmClient.ChatMessages(ctx, messages, gen)
}

// retrieveOrDegrade 检索报告段落；失败时降级为无上下文继续本轮。
func (s *conversationService) retrieveOrDegrade(ctx context.Context, reportID uint, query string, k int) []*model.ReportChunk {
	chunks, err := s.retrieval.Retrieve(ctx, reportID, query, k)
	if err != nil {
		log.Warnf("[ConversationService] 检索失败，降级为无上下文, ReportID: %d, Error: %v", reportID, err)
		return nil
	}
	return chunks
}

// apologize 在本轮最终失败时向用户发送统一道歉文案，本轮到此为止。
// 不推进阶段，下一条用户消息仍会落在同一阶段重试。
func (s *conversationService) apologize(report *model.Report, cause error) error {
	log.Errorf("[ConversationService] 本轮处理失败, ReportID: %d, Error: %v", report.ID, cause)
	msg := &model.Message{ReportID: report.ID, Role: model.RoleAssistant, Content: apologyText}
	if err := s.messageRepo.Append(msg); err != nil {
		log.Errorf("[ConversationService] 道歉消息落库失败, ReportID: %d, Error: %v", report.ID, err)
	}
	return s.sender.Send(report.ThreadID, apologyText)
}

// storeMetadata 把用户在阶段中的回答记录进报告元数据。
func (s *conversationService) storeMetadata(report *model.Report, key, value string) error {
	if report.Metadata == nil {
		report.Metadata = datatypes.JSONMap{}
	}
	report.Metadata[key] = value
	return s.reportRepo.Update(report)
}

func (s *conversationService) topK() int {
	if s.ingestCfg.TopK > 0 {
		return s.ingestCfg.TopK
	}
	return 5
}

func (s *conversationService) historyWindow() int {
	if s.ingestCfg.HistoryWindow > 0 {
		return s.ingestCfg.HistoryWindow
	}
	return 10
}

// assistantMessage 构造一条带用量与引用信息的助手消息。
func assistantMessage(content string, result *llm.ChatResult, chunkIDs []uint) *model.Message {
	msg := &model.Message{Role: model.RoleAssistant, Content: content}
	if result != nil {
		msg.InputTokens = result.Usage.PromptTokens
		msg.OutputTokens = result.Usage.CompletionTokens
		msg.CostUSD = result.CostUSD
	}
	if len(chunkIDs) > 0 {
		msg.RetrievedChunkIDs = datatypes.NewJSONSlice(chunkIDs)
	}
	return msg
}

// metadataInt 从 JSON 元数据里取整数，兼容反序列化后的 float64。
func metadataInt(md map[string]interface{}, key string) int {
	v, ok := md[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
