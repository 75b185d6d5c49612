package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/maddness/vkusvill-mcp-bot/pkg/logging"
)

const (
	systemPromptFile  = "system_prompt.txt"
	initialPromptFile = "user_initial_prompt.txt"
)

const defaultSystemPrompt = `Ты помощник для сбора продуктовых корзин ВкусВилл.

Правила:
- Если ты уверен в рецепте и ингредиентах - сразу ищи товары, не задавай вопросов
- Если не уверен - задай уточняющие вопросы пользователю
- Используй search_products для поиска товаров
- Используй get_product_details если нужны детали (состав, КБЖУ)
- В конце ОБЯЗАТЕЛЬНО создай ссылку на корзину через create_cart

Формат финального ответа (используй эмодзи!):

🛒 *КОРЗИНА ДЛЯ [НАЗВАНИЕ]*

1. 🥔 Картофель — 1 кг — *47 ₽*
2. 🥕 Морковь — 1 кг — *48 ₽*
...

💰 *Итого: XXX ₽*

[🛍 Перейти в корзину](ссылка)

✨ Приятных покупок!

Важно:
- НЕ используй таблицы и ## заголовки
- Используй *жирный* для выделения
- Каждый товар на новой строке с номером и эмодзи
- Ссылка на корзину как [текст](url)`

const defaultInitialPrompt = `Сегодня {date}.

Задача пользователя: {task}`

// Prompts holds the system prompt and the first-turn template. When
// backed by a directory it reloads edited files on the fly, so prompt
// tuning does not require a restart.
type Prompts struct {
	mu      sync.RWMutex
	system  string
	initial string

	dir string
	log *logging.Logger
}

// DefaultPrompts returns the built-in prompts.
func DefaultPrompts() *Prompts {
	return &Prompts{
		system:  defaultSystemPrompt,
		initial: defaultInitialPrompt,
		log:     logging.Nop(),
	}
}

// LoadPrompts reads prompt files from dir, falling back to the
// built-ins for any file that is absent.
func LoadPrompts(dir string, log *logging.Logger) *Prompts {
	if log == nil {
		log = logging.Nop()
	}
	p := DefaultPrompts()
	p.dir = dir
	p.log = log
	p.reload()
	return p
}

func (p *Prompts) reload() {
	if p.dir == "" {
		return
	}
	if text, err := os.ReadFile(filepath.Join(p.dir, systemPromptFile)); err == nil {
		p.mu.Lock()
		p.system = strings.TrimSpace(string(text))
		p.mu.Unlock()
	}
	if text, err := os.ReadFile(filepath.Join(p.dir, initialPromptFile)); err == nil {
		p.mu.Lock()
		p.initial = strings.TrimSpace(string(text))
		p.mu.Unlock()
	}
}

// Watch reloads prompt files whenever they change on disk. It blocks
// until ctx is cancelled. Calling Watch without a directory is an
// immediate no-op.
func (p *Prompts) Watch(ctx context.Context) error {
	if p.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(p.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if name != systemPromptFile && name != initialPromptFile {
				continue
			}
			p.reload()
			p.log.Info("prompt reloaded", "file", name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.log.Warn("prompt watcher error", "error", err)
		}
	}
}

// System returns the current system prompt.
func (p *Prompts) System() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.system
}

// FirstTurn renders the first-turn template with the current date and
// the user's task text.
func (p *Prompts) FirstTurn(date, task string) string {
	p.mu.RLock()
	tmpl := p.initial
	p.mu.RUnlock()
	out := strings.ReplaceAll(tmpl, "{date}", date)
	return strings.ReplaceAll(out, "{task}", task)
}
