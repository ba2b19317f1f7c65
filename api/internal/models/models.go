package models // 模型包

import ( // 依赖导入
	"encoding/json" // JSON 原始数据
	"time"          // 时间类型

	"github.com/google/uuid" // UUID 类型
)

type Tenant struct { // 租户模型
	TenantID   string    // 租户 ID
	Slug       string    // 租户标识
	Name       string    // 租户名称
	SchemaName string    // 租户命名空间
	CreatedAt  time.Time // 创建时间
}

type AggregateRecord struct { // 聚合快照
	AggregateType string          // 聚合类型
	AggregateID   string          // 聚合 ID
	TenantID      string          // 租户 ID
	Version       int64           // 乐观锁版本
	State         json.RawMessage // 聚合状态
	UpdatedAt     time.Time       // 更新时间
}

type OutboxEvent struct { // 发件箱事件
	EventID       uuid.UUID         // 事件 ID
	TenantID      string            // 租户 ID
	EventType     string            // 事件类型
	AggregateType string            // 聚合类型
	AggregateID   string            // 聚合 ID
	Topic         string            // 目标主题
	Payload       []byte            // 完整信封
	Headers       map[string]string // 消息头
	Status        string            // 状态
	Attempts      int               // 尝试次数
	NextRetryAt   *time.Time        // 下次重试时间
	LockedAt      *time.Time        // 锁定时间
	LockedBy      *string           // 锁定者
	LastError     *string           // 最近错误
	CreatedAt     time.Time         // 创建时间
	UpdatedAt     time.Time         // 更新时间
	PublishedAt   *time.Time        // 发布时间
	Seq           int64             // 写入序号
}

type ProcessedEvent struct { // 幂等消费记录
	ConsumerGroup string    // 消费组
	EventID       uuid.UUID // 事件 ID
	EventType     string    // 事件类型
	ProcessedAt   time.Time // 处理时间
}

type DeadLetter struct { // 死信记录
	DeadLetterID  uuid.UUID         // 死信 ID
	ConsumerGroup string            // 消费组
	Topic         string            // 原主题
	Partition     int               // 分区
	Offset        int64             // 偏移量
	MessageKey    []byte            // 消息键
	Payload       []byte            // 原始消息
	Headers       map[string]string // 消息头
	EventID       *uuid.UUID        // 事件 ID（可解析时）
	EventType     string            // 事件类型
	Reason        string            // 原因分类
	LastError     string            // 最近错误
	Attempts      int               // 尝试次数
	Status        string            // 状态
	CreatedAt     time.Time         // 创建时间
	ReplayedAt    *time.Time        // 重放时间
}
