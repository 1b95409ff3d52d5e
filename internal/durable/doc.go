// Package durable 提供离线层的持久化存储：互相独立的两个集合，
// 变更队列（按 ID 主键，timestamp/status 二级索引）与应急数据快照
// （按 URL 主键，timestamp/type 二级索引）。存储独立于 Cache Storage，
// 代际淘汰不会影响这里的数据。
package durable
