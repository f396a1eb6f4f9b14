package router

import (
	"phylesystem-api/internal/domain/entity"

	"github.com/gin-gonic/gin"
)

// documentRoutes 各文档类型的路由前缀
var documentRoutes = []struct {
	path string
	kind entity.DocKind
}{
	{path: "/study", kind: entity.DocKindNexson},
	{path: "/collection", kind: entity.DocKindCollection},
	{path: "/amendment", kind: entity.DocKindAmendment},
}

// RegisterRoutes 注册业务路由；guards 作用于所有写入类路由
func RegisterRoutes(engine *gin.Engine, h *Handlers, guards ...gin.HandlerFunc) {
	v1 := engine.Group("/v1")
	{
		// 文档读写
		for _, route := range documentRoutes {
			docs := v1.Group(route.path)
			docs.GET("/:id", h.Document.Get(route.kind))
			docs.GET("/:id/:sub", h.Document.Get(route.kind))
			docs.GET("/:id/:sub/:subId", h.Document.Get(route.kind))

			write := docs.Group("", guards...)
			write.POST("", h.Document.Create(route.kind))
			write.POST("/:id", h.Document.Create(route.kind))
			write.PUT("/:id", h.Document.Update(route.kind))
			write.DELETE("/:id", h.Document.Delete(route.kind))
		}

		// 文档库信息
		v1.GET("/study_list", h.Repo.StudyList)
		v1.GET("/unmerged_branches", h.Repo.UnmergedBranches)
		v1.GET("/phylesystem_config", h.Repo.PhylesystemConfig)
		v1.GET("/repo_nexson_format", h.Repo.RepoNexsonFormat)
		v1.GET("/external_url/:id", h.Repo.ExternalURL)

		// 推送状态
		v1.GET("/push_failure", h.Push.Status)
		v1.GET("/push_failure/history", h.Push.History)
	}

	// 同步推送
	pushGroup := engine.Group("/push/v1", guards...)
	{
		pushGroup.PUT("", h.Push.Push)
		pushGroup.PUT("/:id", h.Push.Push)
	}

	// 分支合并；分支校验先于认证，同名分支一律返回 400
	mergeChain := append([]gin.HandlerFunc{h.Merge.CheckBranches}, guards...)
	mergeChain = append(mergeChain, h.Merge.Merge)
	engine.PUT("/merge/v1/:branchA/:branchB", mergeChain...)
}
