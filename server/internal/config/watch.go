package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch 监听配置文件变化，重新加载成功后回调 onChange。
// 监听的是所在目录：编辑器常用"写临时文件再 rename"的方式保存，直接监听文件会丢事件。
// 阻塞直到 ctx 取消。
func Watch(ctx context.Context, path string, logger *log.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = log.Default()
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			logger.Printf("[Config] failed to close watcher: %v", err)
		}
	}()

	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	logger.Printf("[Config] watching %s for changes", target)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name, _ := filepath.Abs(event.Name)
			if name != target || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			cfg, err := Load(target)
			if err != nil {
				logger.Printf("[Config] ⚠️  reload failed, keeping current config: %v", err)
				continue
			}
			logger.Printf("[Config] reloaded %s", target)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Printf("[Config] watcher error: %v", err)
		}
	}
}
