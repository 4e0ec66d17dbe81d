package constants

// Redis Key 前缀和格式常量
// 统一命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 所有Redis Key的统一应用前缀
	AppPrefix = "app"

	// InterviewModulePrefix 面试模块
	InterviewModulePrefix = "interview"
	// WebhookModulePrefix 回调模块
	WebhookModulePrefix = "webhook"

	// EntityLock 分布式锁实体
	EntityLock = "lock"
	// EntityDedupSet 去重集合实体
	EntityDedupSet = "dedup_set"

	// KeyResultLock 结果生成分布式锁 (STRING)
	// 格式: app:interview:lock:result:{sessionID}
	KeyResultLock = AppPrefix + ":" + InterviewModulePrefix + ":" + EntityLock + ":result:%s"

	// KeySweepLock 清扫任务互斥锁 (STRING)
	// 格式: app:interview:lock:sweep
	KeySweepLock = AppPrefix + ":" + InterviewModulePrefix + ":" + EntityLock + ":sweep"

	// KeyCallbackDedupSet 回调去重集合 (SET)
	// 格式: app:webhook:dedup_set:{yyyymmdd}
	KeyCallbackDedupSet = AppPrefix + ":" + WebhookModulePrefix + ":" + EntityDedupSet + ":%s"
)
