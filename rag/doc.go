// Copyright 2025-2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

Package rag 提供银行用例语料的检索增强生成（Retrieval-Augmented Generation）引擎。

该包覆盖 RAG 管线的全部阶段：文档分块、多级嵌入回退、向量存储、两级查询缓存、
查询前处理（意图/实体/扩展）、检索后处理（重排/去重/上下文组装）、回答生成与
降级、输出质量评估以及基于内容哈希的增量采集调度。

# 核心接口/类型

  - VectorStore — 向量存储统一接口（AddDocuments / Search / DeleteBySource / Stats）
  - EmbeddingBackend — 嵌入后端接口（Local / Remote / TFIDF 三种实现）
  - EmbeddingPipeline — 带缓存与逐级回退的嵌入管线
  - CacheStore — 查询缓存 + 嵌入缓存（SQLite 持久层，可选 Redis L1）
  - DocumentChunker — 分块器（fixed / recursive / sentence / semantic 四种策略）
  - QueryTransformer — 查询前处理（意图分类、实体抽取、查询扩展、过滤器合并）
  - Reranker — 检索后处理（重排、相关性过滤、去重、上下文组装）
  - OutputEvaluator — 回答质量评估（相关性/支撑度/幻觉/完整性/连贯性）
  - IngestionScheduler — 增量采集调度（单飞保护、按文件哈希差异重建）
  - Pipeline — 查询编排入口

# 主要能力

  - 分块保证：块不超过 chunk_size（小容差），相邻块共享 chunk_overlap tokens，
    元数据足以还原来源与顺序
  - 嵌入三级回退：本地句向量服务 → 推理服务嵌入端点 → TF-IDF，构造期一次探测
  - 向量后端能力探测：indexed（平面索引 + 元数据旁表）→ document-db（MongoDB）
    → relational（SQLite BLOB 暴力扫描，O(n)，仅适合小集合）
  - 幂等采集：chunk ID 为内容确定性哈希，AddDocuments 按 ID upsert
  - 降级策略：LLM 不可用时抽取式回答；缓存故障视为未命中；空集合返回
    NoContext 标记而非错误
*/
package rag
