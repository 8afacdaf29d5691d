// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的全链路指标采集能力，覆盖
查询、检索、嵌入、生成、缓存与采集六大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - 查询指标：查询总数与端到端耗时，按 intent/outcome 分组。
  - 检索指标：后检索存活块数分布。
  - 嵌入指标：嵌入总数与耗时，按层级（local/remote/tfidf）分组。
  - 生成指标：应答来源计数（generated/extractive/no_context）。
  - 缓存指标：命中与未命中计数，按 query/embedding 缓存分组。
  - 采集指标：运行总数（按用例与状态）、运行耗时、累计写入块数。
*/
package metrics
