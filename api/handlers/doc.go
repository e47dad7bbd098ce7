// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供网关 HTTP API 的请求处理器实现。

# 概述

handlers 包实现了网关对外暴露的 HTTP 端点的请求处理逻辑，
包括 Anthropic 兼容的消息补全、模型列表、健康检查以及统一的
响应/错误处理。所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - GatewayHandler   — 消息补全处理器，支持同步与 SSE 流式响应、
    Provider 路由与回退、成本记录、SSE 广播
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - SSE 流式输出：GatewayHandler.HandleMessages 支持 text/event-stream
  - Provider 故障回退与统计快照：HandleModels、HandleHealth、HandleStats
*/
package handlers
