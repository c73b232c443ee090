package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供方法、路径、策略桶与响应来源字段，供拦截日志复用。
func RequestFields(method, path, policy, source string) logrus.Fields {
	return logrus.Fields{
		"method": method,
		"path":   path,
		"policy": policy,
		"source": source,
	}
}

// GenerationFields 用于安装/激活/清理等生命周期日志。
func GenerationFields(action, generation string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"generation": generation,
	}
}
