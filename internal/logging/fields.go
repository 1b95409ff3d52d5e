package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供路由分类/策略/命中状态字段，供拦截请求日志复用。
func RequestFields(method, path, kind, strategy, servedBy string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"method":     method,
		"path":       path,
		"route_kind": kind,
		"strategy":   strategy,
		"served_by":  servedBy,
		"cache_hit":  cacheHit,
	}
}

// QueueFields 提供离线队列记录相关字段。
func QueueFields(action, id, method, url string) logrus.Fields {
	return logrus.Fields{
		"action":    action,
		"report_id": id,
		"method":    method,
		"url":       url,
	}
}
