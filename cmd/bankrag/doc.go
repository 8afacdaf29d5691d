// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 bankrag 引擎的命令行程序入口。

# 概述

cmd/bankrag 是银行文档 RAG 引擎的可执行入口，面向离线批处理与
排障场景：采集语料、执行查询、批量评估与状态巡检均通过命令行
标志触发。程序支持 YAML 配置文件加载与 BANKRAG_ 前缀环境变量覆盖，
结构化日志（zap）与 Prometheus 指标采集。

# 主要能力

  - --status：向量库各集合计数、嵌入层级、推理服务可用性、
    缓存命中率与采集任务记录
  - --ingest / --ingest-uc：全量或单用例增量采集
  - --query（配合 --use-case-filter / --top-k）：端到端查询，
    输出应答、来源与质量评分
  - --evaluate：读取 JSON 样本文件批量评估，缺 answer 的样本
    先过一遍查询管线
  - --schedule：常驻进程定时采集，SIGINT/SIGTERM 优雅退出
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
