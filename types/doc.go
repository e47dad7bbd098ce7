// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供网关的全局共享错误类型定义。

# 概述

types 是网关最底层的公共包，不依赖任何内部包，为 api/handlers 与
internal/gateway 提供统一的结构化错误契约，避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable、Provider 标记

# 主要能力

  - 错误构造：NewError，以及 WithCause / WithHTTPStatus / WithRetryable / WithProvider
    等链式构建方法
  - 错误检查：IsRetryable / GetErrorCode
*/
package types
