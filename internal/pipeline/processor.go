// Package pipeline 定义了报告摄取的核心流程。
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"biomeai-go/internal/config"
	"biomeai-go/internal/model"
	"biomeai-go/internal/repository"
	"biomeai-go/pkg/embedding"
	"biomeai-go/pkg/log"
	"biomeai-go/pkg/pdfext"
	"biomeai-go/pkg/storage"
	"biomeai-go/pkg/tasks"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// Greeter 在摄取完成后推进阶段并向会话线程发送开场消息。
// 由编排层实现，使阶段转移逻辑集中在一处。
type Greeter interface {
	DeliverGreeting(ctx context.Context, report *model.Report) error
}

// Processor 封装了报告摄取的所有依赖和逻辑。
type Processor struct {
	embeddingClient embedding.Client
	minioCfg        config.MinIOConfig
	embeddingCfg    config.EmbeddingConfig
	ingestCfg       config.IngestConfig
	reportRepo      repository.ReportRepository
	chunkRepo       repository.ChunkRepository
	greeter         Greeter

	// 对象存储读取与文本提取入口，便于在测试中替换。
	getFile func(ctx context.Context, bucket, object string) ([]byte, error)
	extract func(data []byte) ([]string, error)
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	embeddingClient embedding.Client,
	minioCfg config.MinIOConfig,
	embeddingCfg config.EmbeddingConfig,
	ingestCfg config.IngestConfig,
	reportRepo repository.ReportRepository,
	chunkRepo repository.ChunkRepository,
	greeter Greeter,
) *Processor {
	return &Processor{
		embeddingClient: embeddingClient,
		minioCfg:        minioCfg,
		embeddingCfg:    embeddingCfg,
		ingestCfg:       ingestCfg,
		reportRepo:      reportRepo,
		chunkRepo:       chunkRepo,
		greeter:         greeter,
		getFile:         storage.GetReportFile,
		extract:         pdfext.ExtractPages,
	}
}

// Process 是报告摄取的主函数。
func (p *Processor) Process(ctx context.Context, task tasks.ReportIngestTask) error {
	log.Infof("[Processor] 开始处理报告, ReportID: %d, FileName: %s, UserID: %d", task.ReportID, task.FileName, task.UserID)

	report, err := p.reportRepo.FindByID(task.ReportID)
	if err != nil {
		log.Errorf("[Processor] 查找报告失败, ReportID: %d, Error: %v", task.ReportID, err)
		return err
	}

	// 1. 从 MinIO 下载原始 PDF
	log.Infof("[Processor] 步骤1: 从MinIO下载文件, Bucket: %s, Object: %s", p.minioCfg.BucketName, task.ObjectName)
	data, err := p.getFile(ctx, p.minioCfg.BucketName, task.ObjectName)
	if err != nil {
		log.Errorf("[Processor] 从MinIO下载文件失败, Object: %s, Error: %v", task.ObjectName, err)
		return err
	}
	if len(data) == 0 {
		log.Warnf("[Processor] 文件 '%s' 内容为空, 处理中止", task.FileName)
		return errors.New("文件内容为空")
	}
	log.Infof("[Processor] 步骤1: 文件下载成功, 大小: %d字节", len(data))

	// 2. 本地按页提取文本
	log.Info("[Processor] 步骤2: 本地提取 PDF 文本内容")
	pages, err := p.extract(data)
	if err != nil {
		log.Errorf("[Processor] 提取 PDF 文本失败, FileName: %s, Error: %v", task.FileName, err)
		return err
	}
	textContent := pdfext.Clean(strings.Join(pages, "\n\n"))
	if textContent == "" {
		log.Warnf("[Processor] 提取的文本内容为空, 处理中止, FileName: %s", task.FileName)
		return errors.New("提取的文本内容为空")
	}
	log.Infof("[Processor] 步骤2: 文本提取成功, 页数: %d, 内容长度: %d 字符", len(pages), utf8.RuneCountInString(textContent))

	// 3. 解析报告元数据（采样日期、检测机构、多样性指标）
	md := pdfext.ExtractMetadata(textContent, time.Now())
	if report.Metadata == nil {
		report.Metadata = datatypes.JSONMap{}
	}
	if md.SampleDate != nil {
		report.SampleDate = md.SampleDate
		report.Metadata["sample_age_months"] = md.SampleAgeMonths
	}
	if md.LabName != "" {
		report.Metadata["lab_name"] = md.LabName
	}
	if md.DiversityScore != "" {
		report.Metadata["diversity_score"] = md.DiversityScore
	}
	if err := p.reportRepo.Update(report); err != nil {
		log.Errorf("[Processor] 更新报告元数据失败, ReportID: %d, Error: %v", report.ID, err)
		return err
	}

	// 4. 文本切块
	log.Infof("[Processor] 步骤3: 进行文本分块, chunkSize: %d, chunkOverlap: %d", p.ingestCfg.ChunkSize, p.ingestCfg.ChunkOverlap)
	chunks := SplitText(textContent, p.ingestCfg.ChunkSize, p.ingestCfg.ChunkOverlap)
	log.Infof("[Processor] 步骤3: 文本分块完成, 共生成 %d 个分块", len(chunks))
	if len(chunks) == 0 {
		log.Warnf("[Processor] 未生成任何文本分块, 处理中止, FileName: %s", task.FileName)
		return errors.New("未生成任何文本分块")
	}

	// 5. 逐块向量化（每块最多重试一次），全部成功后一次性原子写入
	log.Info("[Processor] 步骤4: 开始遍历分块并进行向量化")
	records := make([]*model.ReportChunk, 0, len(chunks))
	for i, chunk := range chunks {
		vector, err := p.embedWithRetry(ctx, chunk)
		if err != nil {
			log.Errorf("[Processor] 分块 %d 向量化失败, 摄取中止, Error: %v", i, err)
			return err
		}
		records = append(records, &model.ReportChunk{
			ReportID:     report.ID,
			ChunkIdx:     i,
			Content:      chunk,
			Embedding:    pgvector.NewVector(vector),
			ModelVersion: p.embeddingCfg.Model,
		})
		log.Infof("[Processor] 分块 %d/%d 向量化成功", i+1, len(chunks))
	}

	if err := p.chunkRepo.ReplaceForReport(report.ID, records); err != nil {
		log.Errorf("[Processor] 批量保存分块失败, ReportID: %d, Error: %v", report.ID, err)
		return err
	}
	log.Infof("[Processor] 步骤4: 成功写入 %d 个分块", len(records))

	// 6. 推进阶段并发送开场消息
	if err := p.greeter.DeliverGreeting(ctx, report); err != nil {
		log.Errorf("[Processor] 发送开场消息失败, ReportID: %d, Error: %v", report.ID, err)
		return err
	}

	log.Infof("[Processor] 报告处理成功完成, ReportID: %d", report.ID)
	return nil
}

// embedWithRetry 调用向量化接口，失败时重试一次。
func (p *Processor) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	vector, err := p.embeddingClient.CreateEmbedding(ctx, text)
	if err == nil {
		return vector, nil
	}
	log.Warnf("[Processor] 向量化失败，重试一次: %v", err)
	return p.embeddingClient.CreateEmbedding(ctx, text)
}
