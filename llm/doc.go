// Copyright 2025-2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

Package llm 提供本地 LLM 推理服务（Ollama 兼容）的客户端。

检索管线通过 Client 接口消费生成与嵌入能力，永远不假设服务可用：
IsAvailable 为 false 或调用超时时，上层回退到抽取式回答。

# 核心接口/类型

  - Client — 生成/嵌入/健康探测的统一接口
  - HTTPClient — 基于 HTTP 的默认实现，带超时、限速与可用性缓存

# 主要能力

  - 所有出站调用携带显式超时（context deadline），无无界阻塞
  - golang.org/x/time/rate 限速，避免压垮本地推理服务
  - 可用性探测结果短暂缓存，服务宕机时不反复打探测请求
  - 超时与连接失败统一映射为 types.ErrTimeout / types.ErrServiceUnavailable
*/
package llm
