// Package dlq 实现死信队列与重试子系统。
//
// 业务消费失败时构造 Record 交给 Writer；写入端校验配置、按主题投影字段、
// 编码后写入 {topic_prefix}.{topic} 并更新 Stats。Processor 从死信通道读回记录，
// 由 RetryPolicy 决定重试或永久搁置，两种情况都会确认消息，避免毒消息无限重投。
// Reporter 周期输出统计摘要，Maintainer 按配置执行过期清理与自动重投。
//
// 端口拆分为两个能力接口：
//
//   - Writer：所有后端都实现的写入能力（Kafka、NATS、Store）
//   - Query：只有带索引的后端（Store）实现的查询、删除、重投、计数与清理
//
// 基本使用：
//
//	conn, _ := connector.NewKafka(&cfg.Kafka, connector.WithLogger(logger))
//	_ = conn.Connect(ctx)
//
//	writer, _ := dlq.NewKafkaWriter(&cfg.DLQ, conn.GetClient(),
//		dlq.WithLogger(logger),
//		dlq.WithMeter(meter),
//	)
//	defer writer.Close()
//
//	rec, _ := dlq.FromFailedMessage("orders", "timeout", "ConnectionError", payload)
//	if err := writer.Send(ctx, rec); err != nil {
//		logger.Error("send to dlq failed", clog.Error(err))
//	}
package dlq
